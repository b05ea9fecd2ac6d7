package storage

// Identity and integrity values of stored records. Both are 16 bits wide, so
// two declarations can collide; with a handful of variables per device the
// odds are small and accepted.

const (
	identitySeed = 0x5a5a
	checksumSeed = 0xa5a5
)

// combine mixes v into h
func combine(h, v uint16) uint16 {
	return h ^ (v + 0x9e37 + (h << 6) + (h >> 2))
}

// hashString folds every byte of s into the identity seed
func hashString(s string) uint16 {
	h := uint16(identitySeed)
	for i := 0; i < len(s); i++ {
		h = combine(h, uint16(s[i]))
	}
	return h
}

// Identity will return the tag of the variable called name whose payload is
// size bytes. A renamed variable or a payload that changed size gets a
// different tag, which is how stale or foreign records are recognized.
func Identity(name string, size int) uint16 {
	return combine(hashString(name), uint16(size))
}

// Checksum will return the integrity value of a payload. It covers the payload
// only, never the tag.
func Checksum(p []byte) uint16 {
	sum := uint16(checksumSeed)
	for _, b := range p {
		sum += uint16(b)
		sum ^= sum >> 8
	}
	return sum
}
