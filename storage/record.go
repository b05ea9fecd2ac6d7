package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/synthread/go-flashstore/flash"
)

var ErrIdentityMismatch = errors.New("stored record belongs to another variable")
var ErrChecksumMismatch = errors.New("stored record is corrupted")
var ErrPayloadSize = errors.New("payload size does not match record")

const (
	tagSize      = 2
	checksumSize = 2

	// Overhead is what a stored record adds to its payload
	Overhead = tagSize + checksumSize
)

// byteOrder of the tag and checksum on flash
var byteOrder = binary.NativeEndian

// IsInvalid reports whether err means the stored bytes cannot be trusted, as
// opposed to the flash being unreachable. Callers apply their defaults then.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrIdentityMismatch) || errors.Is(err, ErrChecksumMismatch)
}

// State classifies what a region currently holds for a record
type State int

const (
	// StateErased means nothing was ever written
	StateErased State = iota
	// StateForeign means the tag belongs to another variable or payload size
	StateForeign
	// StateCorrupt means the tag matches but the payload fails its checksum
	StateCorrupt
	// StateValid means the record can be trusted
	StateValid

	// StateUnknown is returned with an error when flash could not be read
	StateUnknown State = -1
)

func (s State) String() string {
	switch s {
	case StateErased:
		return "erased"
	case StateForeign:
		return "foreign"
	case StateCorrupt:
		return "corrupt"
	case StateValid:
		return "valid"
	case StateUnknown:
		return "unknown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Record stores a fixed-size byte payload at the start of a region, framed as
//
//	tag (2) | payload (size) | checksum (2)
//
// in native byte order. Record does no locking; see flash.Controller.
type Record struct {
	region *flash.Region
	name   string
	size   int
	tag    uint16
}

// NewRecord will bind the variable called name, with a payload of size bytes,
// to region
func NewRecord(region *flash.Region, name string, size int) (*Record, error) {
	if size <= 0 {
		return nil, errors.Errorf("record %q: payload of %d bytes", name, size)
	}
	if l := region.Len(); l != 0 && uint64(size+Overhead) > uint64(l) {
		return nil, errors.Wrapf(flash.ErrOutOfBounds, "record %q needs %d bytes, region has %d", name, size+Overhead, l)
	}

	return &Record{
		region: region,
		name:   name,
		size:   size,
		tag:    Identity(name, size),
	}, nil
}

// Name will return the variable name the record was declared with
func (r *Record) Name() string { return r.name }

// Tag will return the identity tag stored with every write
func (r *Record) Tag() uint16 { return r.tag }

// Size will return the payload size in bytes
func (r *Record) Size() int { return r.size }

// Footprint will return the stored size of the record in bytes
func (r *Record) Footprint() int { return r.size + Overhead }

// Region will return the region the record lives in
func (r *Record) Region() *flash.Region { return r.region }

// frame builds the stored form of payload
func (r *Record) frame(payload []byte) []byte {
	// zeroed first so the stored bytes only depend on the payload
	pkg := make([]byte, r.Footprint())
	byteOrder.PutUint16(pkg, r.tag)
	data := pkg[tagSize : tagSize+r.size]
	copy(data, payload)
	byteOrder.PutUint16(pkg[tagSize+r.size:], Checksum(data))
	return pkg
}

func (r *Record) load() ([]byte, error) {
	pkg := make([]byte, r.Footprint())
	if err := r.region.Read(pkg); err != nil {
		return nil, errors.Wrapf(err, "could not read %s", r.name)
	}
	return pkg, nil
}

func (r *Record) check(pkg []byte) error {
	if tag := byteOrder.Uint16(pkg); tag != r.tag {
		return errors.Wrapf(ErrIdentityMismatch, "%s: tag %04x, want %04x", r.name, tag, r.tag)
	}

	data := pkg[tagSize : tagSize+r.size]
	if sum, want := byteOrder.Uint16(pkg[tagSize+r.size:]), Checksum(data); sum != want {
		return errors.Wrapf(ErrChecksumMismatch, "%s: checksum %04x, want %04x", r.name, sum, want)
	}
	return nil
}

// Write will store payload. When flash already holds exactly this record the
// erase and program are skipped, since every erase wears the row.
func (r *Record) Write(payload []byte) error {
	if len(payload) != r.size {
		return errors.Wrapf(ErrPayloadSize, "%s: %d bytes, want %d", r.name, len(payload), r.size)
	}

	pkg := r.frame(payload)

	if existing, err := r.load(); err == nil && bytes.Equal(existing, pkg) {
		logrus.Debugf("record %s unchanged, skipping write", r.name)
		return nil
	}

	if err := r.region.EraseAt(r.region.Base(), uint32(len(pkg))); err != nil {
		return errors.Wrapf(err, "could not erase %s", r.name)
	}
	if err := r.region.Write(pkg); err != nil {
		return errors.Wrapf(err, "could not write %s", r.name)
	}

	logrus.Debugf("record %s written @ %x [l=%d]", r.name, r.region.Base(), len(pkg))

	return nil
}

// Read will fill payload from flash if the stored record carries this
// variable's tag and an intact checksum. Use IsInvalid to tell bad data apart
// from an unreachable device.
func (r *Record) Read(payload []byte) error {
	if len(payload) != r.size {
		return errors.Wrapf(ErrPayloadSize, "%s: %d bytes, want %d", r.name, len(payload), r.size)
	}

	pkg, err := r.load()
	if err != nil {
		return err
	}
	if err := r.check(pkg); err != nil {
		return err
	}

	copy(payload, pkg[tagSize:tagSize+r.size])
	return nil
}

// State will classify the stored bytes without returning them
func (r *Record) State() (State, error) {
	pkg, err := r.load()
	if err != nil {
		return StateUnknown, err
	}

	err = r.check(pkg)
	switch {
	case err == nil:
		return StateValid, nil
	case errors.Is(err, ErrChecksumMismatch):
		return StateCorrupt, nil
	case bytes.Count(pkg, []byte{0xff}) == len(pkg):
		return StateErased, nil
	}
	return StateForeign, nil
}

// Erase will erase the rows holding the record, so that it reads as never
// written
func (r *Record) Erase() error {
	return errors.Wrapf(r.region.EraseAt(r.region.Base(), uint32(r.Footprint())), "could not erase %s", r.name)
}
