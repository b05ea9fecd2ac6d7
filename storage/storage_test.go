package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/synthread/go-flashstore/flash"
)

type settings struct {
	Version    uint16
	Brightness uint8
	Enabled    bool
	Threshold  float32
	Label      [8]byte
}

type settingsV2 struct {
	Version    uint16
	Brightness uint8
	Enabled    bool
	Threshold  float32
	Label      [8]byte
	Timeout    uint16
}

// calibration cannot be decoded by encoding/binary
type calibration struct {
	gain   uint16
	offset int16
}

type padded struct {
	Gain uint16
	_    [2]byte
}

var testParams = flash.Params{PSZ: 3, NVMP: 256}

func newTestArena(t *testing.T, v flash.Variant, opts ...flash.SimOption) (*flash.Simulator, *flash.Arena) {
	t.Helper()

	sim := flash.NewSimulator(v, testParams, opts...)
	d, err := flash.Open(sim, v)
	if err != nil {
		t.Fatal(err)
	}
	a, err := flash.NewArena(d, 0x2000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	return sim, a
}

func declare[T any](t *testing.T, a *flash.Arena, name string) *Var[T] {
	t.Helper()
	v, err := Declare[T](a, name)
	if err != nil {
		t.Fatalf("declare %s: %v", name, err)
	}
	return v
}

func sample() settings {
	s := settings{Version: 3, Brightness: 200, Enabled: true, Threshold: 0.75}
	copy(s.Label[:], "kitchen")
	return s
}

func TestVar_RoundTrip(t *testing.T) {
	tests := []struct {
		v    flash.Variant
		opts []flash.SimOption
	}{
		{flash.SAMD21{}, nil},
		{flash.SAMD51{}, []flash.SimOption{flash.WithCache()}},
	}

	for _, tt := range tests {
		v := tt.v
		t.Run(v.Name(), func(t *testing.T) {
			_, a := newTestArena(t, v, tt.opts...)
			s := declare[settings](t, a, "settings")

			want := sample()
			if err := s.Write(want); err != nil {
				t.Fatalf("write: %v", err)
			}

			var got settings
			if err := s.Read(&got); err != nil {
				t.Fatalf("read: %v", err)
			}
			if got != want {
				t.Fatalf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestVar_RewriteSeesNewValue(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD51{}, flash.WithCache())
	c := declare[uint32](t, a, "counter")

	for i := uint32(1); i <= 5; i++ {
		if err := c.Write(i); err != nil {
			t.Fatal(err)
		}
		var got uint32
		if err := c.Read(&got); err != nil {
			t.Fatal(err)
		}
		if got != i {
			t.Fatalf("got %d, want %d", got, i)
		}
	}
}

func TestVar_WriteSkipsUnchanged(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	s := declare[settings](t, a, "settings")
	base := s.Record().Region().Base()

	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}
	before := sim.Stats()
	image := sim.Peek(base, 256)

	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}
	after := sim.Stats()

	if after.Erases != before.Erases || after.PageWrites != before.PageWrites || after.Loads != before.Loads {
		t.Fatalf("second write touched flash: %+v -> %+v", before, after)
	}
	if !bytes.Equal(sim.Peek(base, 256), image) {
		t.Fatal("flash changed")
	}

	// a different value goes through
	changed := sample()
	changed.Brightness = 10
	if err := s.Write(changed); err != nil {
		t.Fatal(err)
	}
	if sim.Stats().Erases != after.Erases+1 {
		t.Fatal("changed value not erased and written")
	}
}

func TestVar_WriteSkipIsFaster(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{}, flash.WithLatency(20*time.Millisecond, 2*time.Millisecond))
	s := declare[settings](t, a, "settings")

	start := time.Now()
	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}
	first := time.Since(start)

	start = time.Now()
	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}
	second := time.Since(start)

	if second >= first {
		t.Fatalf("skipped write took %v, full write %v", second, first)
	}
}

func TestVar_IdentityIsolation(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	alpha := declare[settings](t, a, "alpha")
	beta := declare[settings](t, a, "beta")

	if err := alpha.Write(sample()); err != nil {
		t.Fatal(err)
	}

	// copy alpha's raw record into beta's region
	raw := sim.Peek(alpha.Record().Region().Base(), uint32(alpha.Record().Footprint()))
	sim.Poke(beta.Record().Region().Base(), raw)

	var got settings
	if err := beta.Read(&got); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
	if st, _ := beta.Record().State(); st != StateForeign {
		t.Fatalf("state = %v, want foreign", st)
	}
}

func TestVar_ShapeChangeDetected(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	region, err := a.Reserve("settings", 64)
	if err != nil {
		t.Fatal(err)
	}

	v1, err := NewVar[settings](region, "settings")
	if err != nil {
		t.Fatal(err)
	}
	if err := v1.Write(sample()); err != nil {
		t.Fatal(err)
	}

	// the firmware update grew the struct
	v2, err := NewVar[settingsV2](region, "settings")
	if err != nil {
		t.Fatal(err)
	}
	var got settingsV2
	if err := v2.Read(&got); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
}

func TestVar_CorruptionDetected(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	s := declare[settings](t, a, "settings")
	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}

	base := s.Record().Region().Base()
	good := sim.Peek(base, uint32(s.Record().Footprint()))

	for i := range good {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), good...)
			bad[i] ^= 1 << bit
			sim.Poke(base, bad)

			var got settings
			err := s.Read(&got)

			want := ErrChecksumMismatch
			if i < tagSize {
				want = ErrIdentityMismatch
			}
			if !errors.Is(err, want) {
				t.Fatalf("byte %d bit %d: err = %v, want %v", i, bit, err, want)
			}
			if !IsInvalid(err) {
				t.Fatalf("byte %d bit %d: not reported invalid", i, bit)
			}
		}
	}

	sim.Poke(base, good)
	if st, err := s.Record().State(); err != nil || st != StateValid {
		t.Fatalf("state = %v %v after restore", st, err)
	}
}

func TestVar_Uninitialized(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	s := declare[settings](t, a, "settings")

	def := settings{Version: 1}
	got := def
	if err := s.Read(&got); !IsInvalid(err) {
		t.Fatalf("err = %v, want invalid", err)
	}
	if got != def {
		t.Fatal("default overwritten on failed read")
	}
	if st, _ := s.Record().State(); st != StateErased {
		t.Fatalf("state = %v, want erased", st)
	}
}

func TestVar_ValueIsLossy(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	s := declare[settings](t, a, "settings")

	if got := s.Value(); got != (settings{}) {
		t.Fatalf("value of empty flash = %+v", got)
	}

	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}
	if got := s.Value(); got != sample() {
		t.Fatalf("value = %+v", got)
	}
}

func TestVar_SharedRegionLastWriterWins(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	region, _ := a.Reserve("shared", 64)

	x, _ := NewVar[uint32](region, "x")
	y, _ := NewVar[uint32](region, "y")

	if err := x.Write(7); err != nil {
		t.Fatal(err)
	}
	if err := y.Write(9); err != nil {
		t.Fatal(err)
	}

	var got uint32
	if err := x.Read(&got); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("x: err = %v, want ErrIdentityMismatch", err)
	}
	if err := y.Read(&got); err != nil || got != 9 {
		t.Fatalf("y: %d %v", got, err)
	}
}

func TestVar_PowerLossDuringErase(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	s := declare[settings](t, a, "settings")

	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}

	changed := sample()
	changed.Version = 4
	sim.CutPowerAfter(0)
	if err := s.Write(changed); !errors.Is(err, flash.ErrPowerLoss) {
		t.Fatalf("err = %v, want ErrPowerLoss", err)
	}
	sim.PowerCycle()

	var got settings
	if err := s.Read(&got); !IsInvalid(err) {
		t.Fatalf("err = %v, want invalid", err)
	}

	if err := s.Write(changed); err != nil {
		t.Fatalf("write after reset: %v", err)
	}
	if err := s.Read(&got); err != nil || got != changed {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestVar_PowerLossDuringProgram(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	s := declare[[100]byte](t, a, "blob")

	var v [100]byte
	for i := range v {
		v[i] = byte((i*3 + 5) % 250)
	}

	// erase, then clear+write of the first page; the second page write is cut
	sim.CutPowerAfter(4)
	if err := s.Write(v); !errors.Is(err, flash.ErrPowerLoss) {
		t.Fatalf("err = %v, want ErrPowerLoss", err)
	}
	sim.PowerCycle()

	var got [100]byte
	if err := s.Read(&got); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	if st, _ := s.Record().State(); st != StateCorrupt {
		t.Fatalf("state = %v, want corrupt", st)
	}
}

func TestVar_SurvivesReset(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	s := declare[settings](t, a, "settings")
	if err := s.Write(sample()); err != nil {
		t.Fatal(err)
	}

	sim.PowerCycle()

	// same declarations after the reset
	d, err := flash.Open(sim, flash.SAMD21{})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := flash.NewArena(d, 0x2000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	s2 := declare[settings](t, a2, "settings")

	var got settings
	if err := s2.Read(&got); err != nil || got != sample() {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestDeclare_Errors(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})

	if _, err := Declare[[]byte](a, "slice"); !errors.Is(err, ErrNotFixedSize) {
		t.Fatalf("slice: %v", err)
	}
	if _, err := Declare[struct{ S string }](a, "string"); !errors.Is(err, ErrNotFixedSize) {
		t.Fatalf("string: %v", err)
	}
	if _, err := Declare[*settings](a, "pointer"); !errors.Is(err, ErrNotFixedSize) {
		t.Fatalf("pointer: %v", err)
	}
	if _, err := Declare[calibration](a, "unexported"); !errors.Is(err, ErrNotFixedSize) {
		t.Fatalf("unexported: %v", err)
	}
	if _, err := Declare[[2]calibration](a, "unexported array"); !errors.Is(err, ErrNotFixedSize) {
		t.Fatalf("unexported array: %v", err)
	}
	if _, err := Declare[struct{ Cal calibration }](a, "unexported nested"); !errors.Is(err, ErrNotFixedSize) {
		t.Fatalf("unexported nested: %v", err)
	}
	if _, err := Declare[padded](a, "blank"); err != nil {
		t.Fatalf("blank field: %v", err)
	}

	declare[settings](t, a, "settings")
	if _, err := Declare[settings](a, "settings"); !errors.Is(err, flash.ErrDuplicateName) {
		t.Fatalf("duplicate: %v", err)
	}
}

func TestRecord_StateUnreadable(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	d := a.Device()

	// unbounded region past the end of the device
	past, _ := d.Region(d.Capacity(), 0)
	r, err := NewRecord(past, "gone", 4)
	if err != nil {
		t.Fatal(err)
	}

	st, err := r.State()
	if err == nil {
		t.Fatal("expected read error")
	}
	if st != StateUnknown || st.String() != "unknown" {
		t.Fatalf("state = %v, want unknown", st)
	}
}

func TestRecord_Errors(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	d := a.Device()

	small, _ := d.Region(0, 8)
	if _, err := NewRecord(small, "big", 5); !errors.Is(err, flash.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	if _, err := NewRecord(small, "empty", 0); err == nil {
		t.Fatal("expected error for empty payload")
	}

	r, err := NewRecord(small, "fits", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write([]byte{1, 2, 3}); !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("err = %v, want ErrPayloadSize", err)
	}
	if err := r.Read(make([]byte, 5)); !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("err = %v, want ErrPayloadSize", err)
	}
}

func TestRecord_EraseInvalidates(t *testing.T) {
	_, a := newTestArena(t, flash.SAMD21{})
	region, _ := a.Reserve("raw", 16)

	r, err := NewRecord(region, "raw", 12)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write([]byte("hello world!")); err != nil {
		t.Fatal(err)
	}
	if st, _ := r.State(); st != StateValid {
		t.Fatalf("state = %v", st)
	}
	if err := r.Erase(); err != nil {
		t.Fatal(err)
	}
	if st, _ := r.State(); st != StateErased {
		t.Fatalf("state = %v, want erased", st)
	}
}

func TestRecord_Layout(t *testing.T) {
	sim, a := newTestArena(t, flash.SAMD21{})
	region, _ := a.Reserve("raw", 8)

	r, _ := NewRecord(region, "raw", 4)
	payload := []byte{1, 2, 3, 4}
	if err := r.Write(payload); err != nil {
		t.Fatal(err)
	}

	stored := sim.Peek(region.Base(), 8)
	if byteOrder.Uint16(stored) != r.Tag() {
		t.Fatalf("tag field = %x", stored[:2])
	}
	if !bytes.Equal(stored[2:6], payload) {
		t.Fatalf("payload field = %x", stored[2:6])
	}
	if byteOrder.Uint16(stored[6:]) != Checksum(payload) {
		t.Fatalf("checksum field = %x", stored[6:])
	}
}
