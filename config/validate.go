// config/validate.go
package config

import (
	"fmt"

	"github.com/synthread/go-flashstore/flash"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// DEVICE
	// ------------------------------------------------------------

	if _, err := flash.VariantByName(cfg.Device.Variant); err != nil {
		return fmt.Errorf("device: %v", err)
	}

	if cfg.Device.Simulated() {
		if cfg.Device.TTY != "" {
			return fmt.Errorf("device: image and tty are mutually exclusive")
		}
		if (flash.Params{PSZ: cfg.Device.PSZ}).PageSize() == 0 {
			return fmt.Errorf("device: psz %d out of range 0-7", cfg.Device.PSZ)
		}
		if cfg.Device.NVMP == 0 {
			return fmt.Errorf("device: nvmp must be > 0")
		}
	} else if cfg.Device.Baud < 0 {
		return fmt.Errorf("device: baud must be >= 0")
	}

	// ------------------------------------------------------------
	// STORAGE SPAN
	// ------------------------------------------------------------

	if cfg.Storage.Size == 0 {
		return fmt.Errorf("storage: size must be > 0")
	}
	if uint64(cfg.Storage.Base)+uint64(cfg.Storage.Size) > 1<<32 {
		return fmt.Errorf("storage: 0x%x+%d overflows the address space", cfg.Storage.Base, cfg.Storage.Size)
	}

	// ------------------------------------------------------------
	// VARIABLES
	// ------------------------------------------------------------

	if len(cfg.Variables) == 0 {
		return fmt.Errorf("variables: at least one is required")
	}

	seen := make(map[string]bool)
	for i, v := range cfg.Variables {
		if v.Name == "" {
			return fmt.Errorf("variables[%d]: name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("variable %q: declared twice", v.Name)
		}
		seen[v.Name] = true

		if v.Size <= 0 || v.Size > 0xffff {
			return fmt.Errorf("variable %q: size %d out of range 1-65535", v.Name, v.Size)
		}
	}

	return nil
}
