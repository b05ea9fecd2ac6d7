package storage

import (
	"bytes"
	"encoding/binary"
	"reflect"

	"github.com/pkg/errors"
	"github.com/synthread/go-flashstore/flash"
)

var ErrNotFixedSize = errors.New("type has no fixed binary size")

// Var persists one value of T. T must have a fixed encoding/binary size: a
// number, bool, array, or struct of exported fields made only of those.
//
// Fields are packed without padding, so the payload matches the C layout of
// the same struct only when that layout has no padding either.
type Var[T any] struct {
	rec *Record
}

// payloadSize will return the encoded size of T, or an error when T cannot be
// stored
func payloadSize[T any]() (int, error) {
	var zero T
	size := binary.Size(&zero)
	if size <= 0 || !decodable(reflect.TypeOf(&zero).Elem()) {
		return 0, errors.Wrapf(ErrNotFixedSize, "%T", zero)
	}
	return size, nil
}

// decodable reports whether encoding/binary can set every field of t.
// Unexported fields encode fine but panic on decode.
func decodable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Array:
		return decodable(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() && f.Name != "_" {
				return false
			}
			if !decodable(f.Type) {
				return false
			}
		}
	}
	return true
}

// NewVar will bind the variable called name to region
func NewVar[T any](region *flash.Region, name string) (*Var[T], error) {
	size, err := payloadSize[T]()
	if err != nil {
		return nil, err
	}

	rec, err := NewRecord(region, name, size)
	if err != nil {
		return nil, err
	}
	return &Var[T]{rec: rec}, nil
}

// Declare will reserve a region for the variable called name in a and bind it.
// Declarations made in the same order always land on the same flash.
func Declare[T any](a *flash.Arena, name string) (*Var[T], error) {
	size, err := payloadSize[T]()
	if err != nil {
		return nil, err
	}

	region, err := a.Reserve(name, uint32(size+Overhead))
	if err != nil {
		return nil, err
	}
	return NewVar[T](region, name)
}

// Record will return the untyped record behind the variable
func (v *Var[T]) Record() *Record { return v.rec }

// Write will store value, skipping flash entirely when it is already stored
func (v *Var[T]) Write(value T) error {
	buf := bytes.NewBuffer(make([]byte, 0, v.rec.size))
	if err := binary.Write(buf, byteOrder, value); err != nil {
		return errors.Wrapf(err, "could not encode %s", v.rec.name)
	}
	return v.rec.Write(buf.Bytes())
}

// Read will set *out to the stored value. On any error *out is left as it was,
// so callers can preload their defaults.
func (v *Var[T]) Read(out *T) error {
	payload := make([]byte, v.rec.size)
	if err := v.rec.Read(payload); err != nil {
		return err
	}

	var value T
	if err := binary.Read(bytes.NewReader(payload), byteOrder, &value); err != nil {
		return errors.Wrapf(err, "could not decode %s", v.rec.name)
	}
	*out = value
	return nil
}

// Value will return the stored value, or the zero value of T when there is
// none. A zero result cannot be told apart from a stored zero; use Read for
// that.
func (v *Var[T]) Value() T {
	var value T
	_ = v.Read(&value)
	return value
}
