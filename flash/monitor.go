package flash

import (
	"time"

	"github.com/pkg/errors"
)

const b_NVM_ACK byte = 0x79
const b_NVM_NACK byte = 0x1f
const b_NVM_SYNC byte = 0x7f
const monitorReadMax = 256

var MonitorTimeout = 5 * time.Second

var ErrFailedToAck = errors.New("failed to read ack or nack from monitor")
var ErrNACK = errors.New("received nack from monitor")

// MonitorCode is a command byte of the monitor protocol
type MonitorCode byte

const (
	MonitorCodeGetID   MonitorCode = 0x02
	MonitorCodeParams  MonitorCode = 0x03
	MonitorCodeRead    MonitorCode = 0x11
	MonitorCodeLoad    MonitorCode = 0x31
	MonitorCodeExec    MonitorCode = 0x44
	MonitorCodeControl MonitorCode = 0x63
)

// operations of the exec command beyond the NVM Command values
const (
	opInvalidate byte = 0x10
	opBarrier    byte = 0x11
)

// registers of the control command
const (
	regManualWrite  byte = 0x00
	regCacheDisable byte = 0x01
)

func (m *Monitor) monitorInit() error {
	m.enterMonitor()

	if err := m.cmdSync(); err != nil {
		return err
	}
	_, err := m.Params()
	return err
}

// enterMonitor will execute the GPIO sequence to start the target in monitor
// mode: BOOT held low while power is reapplied
func (m *Monitor) enterMonitor() {
	if !m.hasPins {
		return
	}
	m.pinPower.Low()
	m.pinBoot.Low()
	time.Sleep(10 * time.Millisecond)
	m.pinPower.High()
	time.Sleep(10 * time.Millisecond)
}

// exitMonitor will execute the GPIO sequence to start the application
func (m *Monitor) exitMonitor() {
	if !m.hasPins {
		return
	}
	m.pinPower.Low()
	m.pinBoot.High()
	time.Sleep(10 * time.Millisecond)
	m.pinPower.High()
	time.Sleep(10 * time.Millisecond)
}

// commandSequence will return the byte sequence required for the requested
// command
func commandSequence(c MonitorCode) []byte {
	return []byte{byte(c), 0xff ^ byte(c)}
}

// readWithLength will read the next bytes of a message which is prefixed by a
// single byte holding the expected length minus one
func (m *Monitor) readWithLength() ([]byte, error) {
	n, err := m.ReadN(1, m.config.Timeout)
	if err != nil {
		return nil, err
	}
	if len(n) != 1 {
		return nil, errors.New("could not get length from monitor")
	}
	return m.ReadN(int(n[0])+1, m.config.Timeout)
}

// writeWithChecksum will write the requested data with a checksum at the end
func (m *Monitor) writeWithChecksum(bs []byte) error {
	cs := checksum(bs)
	return m.Write(append(bs, cs))
}

// readAckOrNack reads whether the pending byte is ACK, NACK, or neither
func (m *Monitor) readAckOrNack() error {
	bs, err := m.ReadN(1, m.config.Timeout)
	if err != nil {
		return err
	}

	if bs[0] == b_NVM_ACK {
		return nil
	} else if bs[0] == b_NVM_NACK {
		return ErrNACK
	}

	return ErrFailedToAck
}
