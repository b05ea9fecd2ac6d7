package flash

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

// erased is the value of every byte of a freshly erased row
const erased byte = 0xff

// checksum will create an XOR-based checksum of the provided data, as the
// monitor expects after addresses and data blocks
func checksum(bs []byte) byte {
	if len(bs) == 0 {
		return 0x00
	}
	if len(bs) == 1 {
		return bs[0]
	}
	s := bs[0]
	for i := 1; i < len(bs); i++ {
		s ^= bs[i]
	}
	return s
}

// min will return the minimum of the two values
func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// roundUp will round n up to the next multiple of unit
func roundUp[T constraints.Unsigned](n, unit T) T {
	if unit == 0 {
		return n
	}
	return (n + unit - 1) / unit * unit
}

// readWord assembles one device word from up to four source bytes. Missing
// tail bytes read as erased so that programming them is a no-op.
func readWord(src []byte) uint32 {
	var w [4]byte
	for i := range w {
		if i < len(src) {
			w[i] = src[i]
		} else {
			w[i] = erased
		}
	}
	return binary.LittleEndian.Uint32(w[:])
}
