package flash

import (
	"io"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var ErrTimeout = errors.New("timed out reading from microcontroller")
var ErrClosed = errors.New("serial port is closed")

// Port is the part of a serial port the monitor needs. serial.Port satisfies it.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Open will reset the target into monitor mode and connect to it
func (m *Monitor) Open() (err error) {
	if err = m.setupPins(); err != nil {
		return errors.Wrap(err, "could not setup pins")
	}

	p, err := serial.Open(m.TTY(), &serial.Mode{
		BaudRate: m.BaudRate(),
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errors.Wrap(err, "could not open serial")
	}

	return m.Attach(p)
}

// Attach will run the monitor over an already open port
func (m *Monitor) Attach(p Port) (err error) {
	m.ttyPort = p
	m.ttyRx = make(chan byte, 64)
	m.ttyDone = make(chan struct{})
	go m.rx(p, m.ttyRx, m.ttyDone)

	if err = errors.Wrap(m.monitorInit(), "could not init monitor"); err != nil {
		m.Close()
		return
	}

	logrus.Debug("mcu open")

	return nil
}

// Close will close the connection and reset the MCU
func (m *Monitor) Close() error {
	m.exitMonitor()

	if m.ttyDone != nil {
		close(m.ttyDone)
		m.ttyDone = nil
	}

	if m.ttyPort != nil {
		m.ttyPort.Close()
		m.ttyPort = nil
	}

	// resets the pins to a running state
	if m.hasPins {
		m.pinBoot.Cleanup()
		m.pinPower.Cleanup()
		m.hasPins = false
	}

	logrus.Debug("mcu close")

	return nil
}

func (m *Monitor) IsOpen() bool {
	return m.ttyPort != nil
}

// rx is the loop that will forever read from the port and write the incoming
// bytes to the rx chan
func (m *Monitor) rx(p Port, rxc chan<- byte, done <-chan struct{}) {
	buf := make([]byte, 64)

	p.SetReadTimeout(1 * time.Millisecond)

	for {
		n, err := p.Read(buf)
		if err != nil {

			// don't write out if we're just complaining about it being closed
			if perr, ok := err.(*serial.PortError); ok {
				if perr.Code() == serial.PortClosed {
					return
				}
			}

			if errors.Is(err, syscall.EBADF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}

			logrus.Error("rx err: ", err.Error())
			return
		}

		for _, b := range buf[:n] {
			select {
			case rxc <- b:
			case <-done:
				return
			}
		}
		if n > 0 {
			logrus.Debugf("mcu rx: %x", buf[:n])
		}
	}
}

// Write will write the specified bytes to the microcontroller
func (m *Monitor) Write(bs ...[]byte) (err error) {
	if !m.IsOpen() {
		return ErrClosed
	}

	if len(bs) == 0 {
		panic("must provide at least one []byte")
	}

	for _, b := range bs {
		_, err = m.ttyPort.Write(b)
		if err != nil {
			return
		}
		logrus.Debugf("mcu tx: %x", b)
	}

	return
}

// ReadN will read exactly N bytes from the rx chan
func (m *Monitor) ReadN(n int, to time.Duration) ([]byte, error) {
	if !m.IsOpen() {
		return nil, ErrClosed
	}

	bs := make([]byte, n)

	for i := 0; i < n; i++ {
		select {
		case <-time.After(to):
			return nil, ErrTimeout
		case b := <-m.ttyRx:
			bs[i] = b
		}
	}

	return bs, nil
}
