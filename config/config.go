// config/config.go
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device    DeviceConfig     `yaml:"device"`
	Storage   StorageConfig    `yaml:"storage"`
	Variables []VariableConfig `yaml:"variables"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Variant string `yaml:"variant"` // samd21 | samd51, empty for the build default

	// Simulated device backed by an image file
	Image string `yaml:"image"`
	PSZ   uint8  `yaml:"psz"`
	NVMP  uint32 `yaml:"nvmp"`

	// Live device behind the NVM monitor
	TTY          string `yaml:"tty"`
	Baud         int    `yaml:"baud"`
	BootGPIO     int    `yaml:"boot_gpio"`
	PowerGPIO    int    `yaml:"power_gpio"`
	DisableReset bool   `yaml:"disable_reset"`
	TimeoutMs    int    `yaml:"timeout_ms"`
}

// Simulated reports whether the device is an image file rather than hardware
func (d DeviceConfig) Simulated() bool {
	return d.Image != ""
}

// ---- STORAGE SPAN ----

type StorageConfig struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
}

// ---- VARIABLES ----

// VariableConfig declares one stored variable. Order matters: variables are
// placed in the storage span in the order they are listed.
type VariableConfig struct {
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
}

// Load reads and parses the YAML file at path and fills in defaults.
// It does not validate.
func Load(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// Parse decodes a YAML document and fills in defaults
func Parse(bs []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(bs, cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}

	if cfg.Device.Simulated() {
		// SAMD21G18: 64 byte pages, 256 KiB
		if cfg.Device.PSZ == 0 && cfg.Device.NVMP == 0 {
			cfg.Device.PSZ = 3
			cfg.Device.NVMP = 4096
		}
	}
	if cfg.Device.TimeoutMs <= 0 {
		cfg.Device.TimeoutMs = 5000
	}

	return cfg, nil
}
