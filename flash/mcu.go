package flash

import (
	"time"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
)

var DefaultBaud = 115200
var DefaultTTY = "/dev/ttyACM0"

// MonitorConfig defines configuration for communicating with the NVM monitor
// running on the target microcontroller
type MonitorConfig struct {
	BootGPIO  int
	PowerGPIO int

	// DisableReset skips the GPIO power cycle into monitor mode, for targets
	// that run the monitor permanently
	DisableReset bool

	Baud    int
	TTY     string
	Timeout time.Duration
}

// Monitor drives the NVM controller of a microcontroller over UART. It
// implements Controller and CacheController, so a Device opened on it behaves
// exactly like one opened on local hardware.
type Monitor struct {
	config *MonitorConfig

	pinPower gpio.Pin
	pinBoot  gpio.Pin
	hasPins  bool

	ttyPort Port
	ttyRx   chan byte
	ttyDone chan struct{}

	params   *Params
	identity string
}

// NewMonitor will create a new reference to a target reachable over UART
func NewMonitor(c *MonitorConfig) (*Monitor, error) {
	if c == nil {
		c = &MonitorConfig{}
	}

	if c.BootGPIO <= 0 {
		c.BootGPIO = 39
	}
	if c.PowerGPIO <= 0 {
		c.PowerGPIO = 19
	}
	if c.Timeout <= 0 {
		c.Timeout = MonitorTimeout
	}

	return &Monitor{config: c}, nil
}

func (m *Monitor) setupPins() (err error) {
	if m.config.DisableReset || m.hasPins {
		return nil
	}

	m.pinPower, err = gpio.NewOutput(uint(m.config.PowerGPIO), true)
	if err != nil {
		return
	}
	m.pinBoot, err = gpio.NewOutput(uint(m.config.BootGPIO), false)
	if err != nil {
		return
	}

	m.hasPins = true
	return
}

// Identify will report back a unique string with the ID of the chip
func (m *Monitor) Identify() (string, error) {
	if m.identity != "" {
		return m.identity, nil
	}

	if !m.IsOpen() {
		if err := m.Open(); err != nil {
			return "", err
		}
		defer m.Close()
	}

	pid, err := m.cmdGetID()
	if err != nil {
		return "", errors.Wrap(err, "could not get id")
	}
	m.identity = "SAMD_" + pid

	return m.identity, nil
}

// TTY will return the TTY that will be used
func (m *Monitor) TTY() string {
	if m.config.TTY != "" {
		return m.config.TTY
	}
	return DefaultTTY
}

// BaudRate will return the baud rate used to connect to the TTY
func (m *Monitor) BaudRate() int {
	if m.config.Baud > 0 {
		return m.config.Baud
	}
	return DefaultBaud
}

// Reset will force a power cycle on the microcontroller, leaving monitor mode
func (m *Monitor) Reset() {
	m.exitMonitor()
}
