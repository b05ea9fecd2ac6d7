// cmd/flashvar/run.go
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-flashstore/config"
	"github.com/synthread/go-flashstore/flash"
	"github.com/synthread/go-flashstore/storage"
)

var errUnknownVariable = errors.New("no such variable")

// target is an opened device plus whatever must happen when the command ends
type target struct {
	dev     *flash.Device
	monitor *flash.Monitor
	close   func() error
}

// openTarget will open the simulated or live device described by c
func openTarget(c config.DeviceConfig) (*target, error) {
	v, err := flash.VariantByName(c.Variant)
	if err != nil {
		return nil, err
	}

	if c.Simulated() {
		sim := flash.NewSimulator(v, flash.Params{PSZ: c.PSZ, NVMP: c.NVMP})

		if _, err := os.Stat(c.Image); err == nil {
			if err := sim.LoadImageFile(c.Image); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		} else {
			logrus.Debugf("image %s missing, starting from blank flash", c.Image)
		}

		dev, err := flash.Open(sim, v)
		if err != nil {
			return nil, err
		}
		return &target{
			dev:   dev,
			close: func() error { return sim.SaveImageFile(c.Image) },
		}, nil
	}

	m, err := flash.NewMonitor(&flash.MonitorConfig{
		BootGPIO:     c.BootGPIO,
		PowerGPIO:    c.PowerGPIO,
		DisableReset: c.DisableReset,
		Baud:         c.Baud,
		TTY:          c.TTY,
		Timeout:      time.Duration(c.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Open(); err != nil {
		return nil, errors.Wrapf(err, "could not open %s", m.TTY())
	}

	dev, err := flash.Open(m, v)
	if err != nil {
		m.Close()
		return nil, err
	}
	return &target{dev: dev, monitor: m, close: m.Close}, nil
}

// declare will lay the configured variables out in the storage span, in
// config order, so that every run finds them at the same addresses
func declare(dev *flash.Device, s config.StorageConfig, vars []config.VariableConfig) ([]*storage.Record, error) {
	arena, err := flash.NewArena(dev, s.Base, s.Size)
	if err != nil {
		return nil, err
	}

	recs := make([]*storage.Record, 0, len(vars))
	for _, vc := range vars {
		region, err := arena.Reserve(vc.Name, uint32(vc.Size+storage.Overhead))
		if err != nil {
			return nil, err
		}
		rec, err := storage.NewRecord(region, vc.Name, vc.Size)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func lookup(recs []*storage.Record, args []string) (*storage.Record, error) {
	if len(args) < 1 {
		return nil, errors.New("missing variable name")
	}
	for _, r := range recs {
		if r.Name() == args[0] {
			return r, nil
		}
	}
	return nil, errors.Wrap(errUnknownVariable, args[0])
}

// run will execute one flashvar command
func run(cfg *config.Config, cmd string, args []string, w io.Writer) (err error) {
	t, err := openTarget(cfg.Device)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.close(); err == nil {
			err = cerr
		}
	}()

	recs, err := declare(t.dev, cfg.Storage, cfg.Variables)
	if err != nil {
		return err
	}

	switch cmd {
	case "list":
		for _, r := range recs {
			st, err := r.State()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%-16s 0x%08x %5d tag=%04x %s\n", r.Name(), r.Region().Base(), r.Size(), r.Tag(), st)
		}

	case "read":
		r, err := lookup(recs, args)
		if err != nil {
			return err
		}
		buf := make([]byte, r.Size())
		if err := r.Read(buf); err != nil {
			return err
		}
		fmt.Fprintln(w, hex.EncodeToString(buf))

	case "write":
		r, err := lookup(recs, args)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("missing payload")
		}
		payload, err := hex.DecodeString(args[1])
		if err != nil {
			return errors.Wrap(err, "payload is not hex")
		}
		return r.Write(payload)

	case "erase":
		r, err := lookup(recs, args)
		if err != nil {
			return err
		}
		return r.Erase()

	case "id":
		if t.monitor == nil {
			return errors.New("simulated devices have no chip id")
		}
		id, err := t.monitor.Identify()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, id)

	default:
		return errors.Errorf("unknown command %q", cmd)
	}

	return nil
}
