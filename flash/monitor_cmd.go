package flash

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// execCmd will send the specified command and check that it is ACK'd
func (m *Monitor) execCmd(c MonitorCode) error {
	if err := m.Write(commandSequence(c)); err != nil {
		return err
	}
	return m.readAckOrNack()
}

// cmdSync will sync with the monitor
func (m *Monitor) cmdSync() error {
	if err := m.Write([]byte{b_NVM_SYNC}); err != nil {
		return err
	}
	return m.readAckOrNack()
}

// cmdGetID will return the device identifier of the microcontroller
func (m *Monitor) cmdGetID() (string, error) {
	if err := m.execCmd(MonitorCodeGetID); err != nil {
		return "", err
	}

	bs, err := m.readWithLength()
	if err != nil {
		return "", err
	}

	if err = m.readAckOrNack(); err != nil {
		return "", err
	}

	return hex.EncodeToString(bs), nil
}

// cmdParams will read the NVM parameter register
func (m *Monitor) cmdParams() (Params, error) {
	if err := m.execCmd(MonitorCodeParams); err != nil {
		return Params{}, err
	}

	bs, err := m.readWithLength()
	if err != nil {
		return Params{}, err
	}
	if len(bs) != 5 {
		return Params{}, errors.Errorf("params reply of %d bytes", len(bs))
	}

	if err = m.readAckOrNack(); err != nil {
		return Params{}, err
	}

	return Params{PSZ: bs[0], NVMP: binary.BigEndian.Uint32(bs[1:])}, nil
}

// writeAddr will send an address followed by its checksum
func (m *Monitor) writeAddr(addr uint32) error {
	addrbs := binary.BigEndian.AppendUint32(nil, addr)

	if err := m.writeWithChecksum(addrbs); err != nil {
		return errors.Wrap(err, "err writing addr")
	}
	return errors.Wrap(m.readAckOrNack(), "addr ack fail")
}

// cmdRead will read up to monitorReadMax bytes of memory at addr
func (m *Monitor) cmdRead(addr uint32, n int) ([]byte, error) {
	if n <= 0 || n > monitorReadMax {
		return nil, errors.Errorf("read of %d bytes", n)
	}

	if err := m.execCmd(MonitorCodeRead); err != nil {
		return nil, errors.Wrap(err, "err exec read mem")
	}
	if err := m.writeAddr(addr); err != nil {
		return nil, err
	}

	l := byte(n - 1)
	if err := m.Write([]byte{l, 0xff ^ l}); err != nil {
		return nil, errors.Wrap(err, "err writing length")
	}
	if err := m.readAckOrNack(); err != nil {
		return nil, errors.Wrap(err, "length ack fail")
	}

	return m.ReadN(n, m.config.Timeout)
}

// cmdLoad will store one word into the page buffer
func (m *Monitor) cmdLoad(addr uint32, word uint32) error {
	if err := m.execCmd(MonitorCodeLoad); err != nil {
		return errors.Wrap(err, "err exec load")
	}
	if err := m.writeAddr(addr); err != nil {
		return err
	}

	if err := m.writeWithChecksum(binary.BigEndian.AppendUint32(nil, word)); err != nil {
		return errors.Wrap(err, "err writing word")
	}
	return errors.Wrap(m.readAckOrNack(), "err ack after word")
}

// cmdExec will run an NVM operation and wait for the monitor to report it done
func (m *Monitor) cmdExec(op byte, addr uint32) error {
	if err := m.execCmd(MonitorCodeExec); err != nil {
		return errors.Wrap(err, "err exec op")
	}

	bs := binary.BigEndian.AppendUint32([]byte{op}, addr)
	if err := m.writeWithChecksum(bs); err != nil {
		return errors.Wrap(err, "err writing op")
	}
	return errors.Wrap(m.readAckOrNack(), "op failed")
}

// cmdControl will set a controller register bit and return its previous value
func (m *Monitor) cmdControl(reg byte, on bool) (bool, error) {
	if err := m.execCmd(MonitorCodeControl); err != nil {
		return false, errors.Wrap(err, "err exec control")
	}

	var v byte
	if on {
		v = 1
	}
	if err := m.writeWithChecksum([]byte{reg, v}); err != nil {
		return false, errors.Wrap(err, "err writing control")
	}

	prev, err := m.ReadN(1, m.config.Timeout)
	if err != nil {
		return false, err
	}
	return prev[0] != 0, errors.Wrap(m.readAckOrNack(), "control failed")
}

// Params will return the NVM parameters of the target, read once per monitor
func (m *Monitor) Params() (Params, error) {
	if m.params != nil {
		return *m.params, nil
	}

	p, err := m.cmdParams()
	if err != nil {
		return Params{}, errors.Wrap(err, "could not read params")
	}
	m.params = &p
	return p, nil
}

func (m *Monitor) Exec(cmd Command, addr uint32) error {
	return m.cmdExec(byte(cmd), addr)
}

func (m *Monitor) Load(addr uint32, word uint32) error {
	return m.cmdLoad(addr, word)
}

func (m *Monitor) ReadAt(p []byte, addr uint32) error {
	for off := 0; off < len(p); off += monitorReadMax {
		n := min(monitorReadMax, len(p)-off)
		bs, err := m.cmdRead(addr+uint32(off), n)
		if err != nil {
			return errors.Wrapf(err, "could not read segment at %d", off)
		}
		copy(p[off:], bs)
	}
	return nil
}

func (m *Monitor) SetManualWrite(on bool) error {
	_, err := m.cmdControl(regManualWrite, on)
	return err
}

func (m *Monitor) SetCacheDisabled(disabled bool) (bool, error) {
	return m.cmdControl(regCacheDisable, disabled)
}

func (m *Monitor) InvalidateCache() error {
	return m.cmdExec(opInvalidate, 0)
}

func (m *Monitor) Barrier() error {
	return m.cmdExec(opBarrier, 0)
}
