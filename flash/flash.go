package flash

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrOutOfBounds = errors.New("flash access out of bounds")
var ErrAlignment = errors.New("flash address misaligned or outside device")
var ErrGeometry = errors.New("invalid flash geometry")

// wordSize is the programming granularity of the page buffer
const wordSize = 4

// Device is a flash controller together with the geometry read from its
// parameter register when it was opened
type Device struct {
	ctrl    Controller
	variant Variant

	pageSize uint32
	rowSize  uint32
	capacity uint32
}

// Open will read the device parameters through c and derive the page size, row
// size and total capacity using the formulas of v
func Open(c Controller, v Variant) (*Device, error) {
	if v == nil {
		v = DefaultVariant
	}

	p, err := c.Params()
	if err != nil {
		return nil, errors.Wrap(err, "could not read device parameters")
	}

	d := &Device{
		ctrl:     c,
		variant:  v,
		pageSize: p.PageSize(),
		rowSize:  v.RowSize(p),
		capacity: v.Capacity(p),
	}

	if d.pageSize < wordSize || d.rowSize < d.pageSize || d.rowSize%d.pageSize != 0 || d.capacity < d.rowSize {
		return nil, errors.Wrapf(ErrGeometry, "%s: page=%d row=%d capacity=%d",
			v.Name(), d.pageSize, d.rowSize, d.capacity)
	}

	logrus.Debugf("flash open: %s page=%d row=%d capacity=%d", v.Name(), d.pageSize, d.rowSize, d.capacity)

	return d, nil
}

// PageSize will return the smallest programmable unit in bytes
func (d *Device) PageSize() uint32 { return d.pageSize }

// RowSize will return the smallest erasable unit in bytes
func (d *Device) RowSize() uint32 { return d.rowSize }

// Capacity will return the total flash size of the device in bytes
func (d *Device) Capacity() uint32 { return d.capacity }

// Variant will return the part family the device was opened with
func (d *Device) Variant() Variant { return d.variant }

// Region will bind a fixed window [base, base+size) of the device. A zero size
// disables bounds checking for callers that manage the window themselves.
func (d *Device) Region(base, size uint32) (*Region, error) {
	if size > 0 && base > math.MaxUint32-size {
		return nil, errors.Wrapf(ErrOutOfBounds, "region 0x%08x+%d overflows", base, size)
	}
	return &Region{dev: d, base: base, size: size}, nil
}

// Region is a bounds-checked window of flash. Its base and length never change.
type Region struct {
	dev  *Device
	base uint32
	size uint32
}

// Base will return the first address of the region
func (r *Region) Base() uint32 { return r.base }

// Len will return the length of the region, 0 when unbounded
func (r *Region) Len() uint32 { return r.size }

// Device will return the device the region lives on
func (r *Region) Device() *Device { return r.dev }

// contains reports whether [addr, addr+n) lies fully inside the region, without
// computing an end address that would overflow
func (r *Region) contains(addr, n uint32) bool {
	if r.size == 0 {
		return true
	}
	if addr > math.MaxUint32-n {
		return false
	}
	return addr >= r.base && addr+n <= r.base+r.size
}

// span will convert a buffer length to a flash size and check it against the
// region
func (r *Region) span(addr uint32, n int) (uint32, error) {
	if uint64(n) > math.MaxUint32 || !r.contains(addr, uint32(n)) {
		return 0, errors.Wrapf(ErrOutOfBounds, "0x%08x+%d outside region 0x%08x+%d", addr, n, r.base, r.size)
	}
	return uint32(n), nil
}

// Write will program data at the start of the region
func (r *Region) Write(data []byte) error { return r.WriteAt(r.base, data) }

// Erase will erase every row covering the region
func (r *Region) Erase() error { return r.EraseAt(r.base, r.size) }

// Read will fill buf from the start of the region
func (r *Region) Read(buf []byte) error { return r.ReadAt(r.base, buf) }

// WriteAt will program data at addr one page at a time. The target has to be
// erased beforehand; programming can only clear bits.
func (r *Region) WriteAt(addr uint32, data []byte) (err error) {
	n, err := r.span(addr, len(data))
	if err != nil {
		return err
	}
	if addr%wordSize != 0 {
		return errors.Wrapf(ErrAlignment, "write target 0x%08x is not word aligned", addr)
	}
	if n == 0 {
		return nil
	}

	d := r.dev
	words := n / wordSize
	if n%wordSize != 0 {
		words++
	}

	end, err := d.variant.BeginWrite(d.ctrl)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := end(); err == nil {
			err = endErr
		}
	}()

	dst := addr
	src := data
	for words > 0 {
		if err := d.ctrl.Exec(CommandPageBufferClear, dst); err != nil {
			return errors.Wrapf(err, "could not clear page buffer at 0x%08x", dst)
		}

		// fill up to the end of the page holding dst
		page := dst - dst%d.pageSize
		fill := min(words, (d.pageSize-dst%d.pageSize)/wordSize)
		for i := uint32(0); i < fill; i++ {
			if err := d.ctrl.Load(dst, readWord(src)); err != nil {
				return errors.Wrapf(err, "could not load word at 0x%08x", dst)
			}
			src = src[min(wordSize, len(src)):]
			dst += wordSize
		}
		words -= fill

		logrus.Debugf("wp: %d words @ %x", fill, page)

		if err := d.ctrl.Exec(CommandWritePage, page); err != nil {
			return errors.Wrapf(err, "could not write page 0x%08x", page)
		}
		if err := d.variant.AfterCommit(d.ctrl); err != nil {
			return err
		}
	}

	return nil
}

// EraseAt will erase every row covering [addr, addr+size)
func (r *Region) EraseAt(addr, size uint32) error {
	if !r.contains(addr, size) {
		return errors.Wrapf(ErrOutOfBounds, "erase 0x%08x+%d outside region 0x%08x+%d", addr, size, r.base, r.size)
	}

	row := r.dev.rowSize
	for size > row {
		if err := r.dev.eraseRow(addr); err != nil {
			return err
		}
		if addr > math.MaxUint32-row {
			return errors.Wrapf(ErrOutOfBounds, "erase past 0x%08x", addr)
		}
		addr += row
		size -= row
	}

	// remaining partial or full row
	if size > 0 {
		return r.dev.eraseRow(addr)
	}
	return nil
}

// eraseRow erases one row. It is not limited to a region because a row can be
// larger than the data stored in it; the device capacity is the limit.
func (d *Device) eraseRow(addr uint32) error {
	if addr%d.rowSize != 0 {
		return errors.Wrapf(ErrAlignment, "row 0x%08x is not aligned to %d", addr, d.rowSize)
	}
	if addr >= d.capacity {
		return errors.Wrapf(ErrAlignment, "row 0x%08x is beyond flash of %d bytes", addr, d.capacity)
	}

	logrus.Debugf("er: %x", addr)

	if err := d.ctrl.Exec(CommandEraseRow, addr); err != nil {
		return errors.Wrapf(err, "could not erase row 0x%08x", addr)
	}
	return d.variant.AfterCommit(d.ctrl)
}

// ReadAt will copy len(buf) bytes starting at addr into buf
func (r *Region) ReadAt(addr uint32, buf []byte) error {
	if _, err := r.span(addr, len(buf)); err != nil {
		return err
	}

	d := r.dev
	if err := d.variant.ReadBarrier(d.ctrl); err != nil {
		return err
	}
	if err := d.ctrl.ReadAt(buf, addr); err != nil {
		return errors.Wrapf(err, "could not read 0x%08x+%d", addr, len(buf))
	}
	return d.variant.ReadBarrier(d.ctrl)
}
