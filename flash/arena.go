package flash

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrArenaFull = errors.New("flash arena exhausted")
var ErrDuplicateName = errors.New("flash region name already reserved")

// Arena is a span of device flash set aside for storage, typically the tail
// of the part that the firmware image never reaches. Regions are handed out in
// declaration order, row aligned and padded to whole rows, so the same set of
// declarations always lands on the same addresses across resets and rebuilds.
// Nothing is ever freed.
type Arena struct {
	dev  *Device
	base uint32
	size uint32
	next uint32

	regions map[string]*Region
	order   []string
}

// NewArena will reserve [base, base+size) of d. Both bounds must fall on row
// boundaries within the device.
func NewArena(d *Device, base, size uint32) (*Arena, error) {
	if base%d.rowSize != 0 || size%d.rowSize != 0 {
		return nil, errors.Wrapf(ErrAlignment, "arena 0x%08x+%d is not aligned to %d", base, size, d.rowSize)
	}
	if base > math.MaxUint32-size || base+size > d.capacity {
		return nil, errors.Wrapf(ErrOutOfBounds, "arena 0x%08x+%d exceeds flash of %d bytes", base, size, d.capacity)
	}

	return &Arena{
		dev:     d,
		base:    base,
		size:    size,
		next:    base,
		regions: map[string]*Region{},
	}, nil
}

// Device will return the device the arena was carved from
func (a *Arena) Device() *Device { return a.dev }

// Reserve will hand out a region named name holding at least n bytes
func (a *Arena) Reserve(name string, n uint32) (*Region, error) {
	if _, ok := a.regions[name]; ok {
		return nil, errors.Wrap(ErrDuplicateName, name)
	}
	if n == 0 {
		return nil, errors.Errorf("region %q: zero size", name)
	}

	row := a.dev.rowSize
	if n > math.MaxUint32-row {
		return nil, errors.Wrapf(ErrArenaFull, "region %q: %d bytes", name, n)
	}
	padded := roundUp(n, row)

	if padded > a.base+a.size-a.next {
		return nil, errors.Wrapf(ErrArenaFull, "region %q: %d bytes, %d left", name, padded, a.base+a.size-a.next)
	}

	r, err := a.dev.Region(a.next, padded)
	if err != nil {
		return nil, err
	}

	logrus.Debugf("arena: %s @ %x [l=%d]", name, a.next, padded)

	a.next += padded
	a.regions[name] = r
	a.order = append(a.order, name)

	return r, nil
}

// Lookup will return the region reserved as name
func (a *Arena) Lookup(name string) (*Region, bool) {
	r, ok := a.regions[name]
	return r, ok
}

// Names will return the reserved names in declaration order
func (a *Arena) Names() []string {
	return append([]string(nil), a.order...)
}

// Free will return the number of bytes not yet reserved
func (a *Arena) Free() uint32 {
	return a.base + a.size - a.next
}
