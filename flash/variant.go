package flash

import "github.com/pkg/errors"

// Variant captures everything that differs between the supported parts: the
// row and capacity formulas and the cache maintenance around programming. The
// bounds checking and write sequencing in Region are the same for all of them.
type Variant interface {
	Name() string
	RowSize(p Params) uint32
	Capacity(p Params) uint32

	// BeginWrite prepares the controller for a manual page write sequence and
	// returns the function that undoes it once all pages are committed
	BeginWrite(c Controller) (end func() error, err error)
	// AfterCommit runs after every page write and row erase
	AfterCommit(c Controller) error
	// ReadBarrier runs before and after every read
	ReadBarrier(c Controller) error
}

// SAMD21 is the SAMD21/SAMD20 family: rows of four pages and no flash cache
// that needs maintenance
type SAMD21 struct{}

func (SAMD21) Name() string { return "samd21" }

func (SAMD21) RowSize(p Params) uint32 { return p.PageSize() * 4 }

func (SAMD21) Capacity(p Params) uint32 { return p.NVMP * p.PageSize() }

func (SAMD21) BeginWrite(c Controller) (func() error, error) {
	if err := c.SetManualWrite(true); err != nil {
		return nil, errors.Wrap(err, "could not set manual write")
	}
	return func() error { return nil }, nil
}

func (SAMD21) AfterCommit(Controller) error { return nil }

func (SAMD21) ReadBarrier(Controller) error { return nil }

// SAMD51 is the SAMD51/SAME5x family. Erase blocks span NVMP/64 pages and the
// CMCC and NVM caches can serve stale lines after programming.
type SAMD51 struct{}

func (SAMD51) Name() string { return "samd51" }

func (SAMD51) RowSize(p Params) uint32 { return p.PageSize() * p.NVMP / 64 }

func (SAMD51) Capacity(p Params) uint32 { return p.NVMP * p.PageSize() }

func (SAMD51) BeginWrite(c Controller) (func() error, error) {
	if err := c.SetManualWrite(true); err != nil {
		return nil, errors.Wrap(err, "could not set manual write")
	}

	cc, ok := c.(CacheController)
	if !ok {
		return func() error { return nil }, nil
	}

	// the NVM cache has to be off while writing (errata)
	prev, err := cc.SetCacheDisabled(true)
	if err != nil {
		return nil, errors.Wrap(err, "could not disable cache")
	}

	return func() error {
		if _, err := cc.SetCacheDisabled(prev); err != nil {
			return errors.Wrap(err, "could not restore cache")
		}
		return cc.Barrier()
	}, nil
}

func (SAMD51) AfterCommit(c Controller) error {
	cc, ok := c.(CacheController)
	if !ok {
		return nil
	}
	if err := cc.InvalidateCache(); err != nil {
		return errors.Wrap(err, "could not invalidate cache")
	}
	return cc.Barrier()
}

func (SAMD51) ReadBarrier(c Controller) error {
	if cc, ok := c.(CacheController); ok {
		return cc.Barrier()
	}
	return nil
}

// VariantByName will return the variant called name, as used in config files
func VariantByName(name string) (Variant, error) {
	switch name {
	case "", "default":
		return DefaultVariant, nil
	case SAMD21{}.Name():
		return SAMD21{}, nil
	case SAMD51{}.Name():
		return SAMD51{}, nil
	}
	return nil, errors.Errorf("unknown variant %q", name)
}
