package flash

import "fmt"

// Command is an NVM controller command that runs to completion once issued
type Command int

const (
	// CommandPageBufferClear resets every byte of the page buffer to erased
	CommandPageBufferClear Command = iota
	// CommandWritePage programs the page buffer into the page holding addr
	CommandWritePage
	// CommandEraseRow erases the row starting at addr
	CommandEraseRow
)

func (c Command) String() string {
	switch c {
	case CommandPageBufferClear:
		return "PBC"
	case CommandWritePage:
		return "WP"
	case CommandEraseRow:
		return "ER"
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// pageSizes maps the PSZ parameter field to a page size in bytes
var pageSizes = [...]uint32{8, 16, 32, 64, 128, 256, 512, 1024}

// Params holds the fields of the NVM parameter register that the accessor
// derives its geometry from
type Params struct {
	// PSZ is the page size code, an index into 8..1024 bytes
	PSZ uint8
	// NVMP is the number of pages of the device
	NVMP uint32
}

// PageSize will return the page size in bytes, or 0 for an invalid code
func (p Params) PageSize() uint32 {
	if int(p.PSZ) >= len(pageSizes) {
		return 0
	}
	return pageSizes[p.PSZ]
}

// Controller is the command and status interface of a flash controller. Every
// method blocks until the hardware reports completion.
//
// A Controller is a singleton resource: only one sequence may be in flight at a
// time. Nothing in this package locks it, so callers sharing a device between
// goroutines must serialize whole Region/Record calls themselves, and must not
// write or erase from an interrupt-like context.
type Controller interface {
	Params() (Params, error)
	Exec(cmd Command, addr uint32) error
	Load(addr uint32, word uint32) error
	ReadAt(p []byte, addr uint32) error
	SetManualWrite(on bool) error
}

// CacheController is implemented by controllers of parts whose flash reads go
// through a cache that programming does not keep coherent
type CacheController interface {
	SetCacheDisabled(disabled bool) (prev bool, err error)
	InvalidateCache() error
	Barrier() error
}
