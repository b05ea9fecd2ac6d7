package flash

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrPowerLoss = errors.New("power lost during nvm command")
var ErrSimFault = errors.New("nvm controller rejected command")

// cacheLine is the granularity of the simulated read cache
const cacheLine = 16

// SimStats counts the commands a Simulator has executed
type SimStats struct {
	Erases        int
	PageWrites    int
	Loads         int
	Reads         int
	Invalidations int
	Barriers      int
}

// SimOption configures a Simulator
type SimOption func(*Simulator)

// WithCache will put a read cache in front of the flash array that is only
// refreshed by InvalidateCache or while disabled, like the CMCC of a SAMD51
func WithCache() SimOption {
	return func(s *Simulator) {
		s.cacheEnabled = true
	}
}

// WithLatency will make row erases and page writes take the given time
func WithLatency(erase, page time.Duration) SimOption {
	return func(s *Simulator) {
		s.eraseLatency = erase
		s.pageLatency = page
	}
}

// Simulator is an in-memory model of an NVM controller and its flash array.
// It enforces the same rules as the hardware: programming can only clear bits,
// erases work on whole aligned rows, and without manual write mode a page is
// committed as soon as its last word is loaded.
type Simulator struct {
	mu sync.Mutex

	params   Params
	pageSize uint32
	rowSize  uint32

	mem     []byte
	pageBuf []byte
	manual  bool

	cacheEnabled  bool
	cacheDisabled bool
	cache         map[uint32][]byte

	eraseLatency time.Duration
	pageLatency  time.Duration

	// commands left before power is cut, negative for never
	powerBudget int
	dead        bool

	stats SimStats
}

// NewSimulator will create a blank (fully erased) device of the geometry that
// v derives from p
func NewSimulator(v Variant, p Params, opts ...SimOption) *Simulator {
	s := &Simulator{
		params:      p,
		pageSize:    p.PageSize(),
		rowSize:     v.RowSize(p),
		mem:         make([]byte, v.Capacity(p)),
		pageBuf:     make([]byte, p.PageSize()),
		cache:       map[uint32][]byte{},
		powerBudget: -1,
	}
	for _, o := range opts {
		o(s)
	}
	fill(s.mem, erased)
	fill(s.pageBuf, erased)
	return s
}

func fill(bs []byte, b byte) {
	for i := range bs {
		bs[i] = b
	}
}

func (s *Simulator) Params() (Params, error) {
	return s.params, nil
}

func (s *Simulator) inRange(addr, n uint32) bool {
	return uint64(addr)+uint64(n) <= uint64(len(s.mem))
}

func (s *Simulator) Exec(cmd Command, addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrPowerLoss
	}

	cut := s.powerBudget == 0
	if s.powerBudget > 0 {
		s.powerBudget--
	}

	switch cmd {
	case CommandPageBufferClear:
		if cut {
			s.dead = true
			return ErrPowerLoss
		}
		fill(s.pageBuf, erased)

	case CommandWritePage:
		if !s.inRange(addr, 1) {
			return errors.Wrapf(ErrSimFault, "write page 0x%08x", addr)
		}
		page := addr - addr%s.pageSize
		n := s.pageSize
		if cut {
			n /= 2
		}
		s.program(page, n)
		time.Sleep(s.pageLatency)

	case CommandEraseRow:
		if addr%s.rowSize != 0 || !s.inRange(addr, s.rowSize) {
			return errors.Wrapf(ErrSimFault, "erase row 0x%08x", addr)
		}
		n := s.rowSize
		if cut {
			n /= 2
		}
		fill(s.mem[addr:addr+n], erased)
		s.stats.Erases++
		time.Sleep(s.eraseLatency)

	default:
		return errors.Wrapf(ErrSimFault, "unknown command %v", cmd)
	}

	if cut {
		s.dead = true
		logrus.Debugf("sim: power cut during %v @ %x", cmd, addr)
		return ErrPowerLoss
	}
	return nil
}

// program ANDs the first n bytes of the page buffer into the page at addr
func (s *Simulator) program(page, n uint32) {
	for i := uint32(0); i < n; i++ {
		s.mem[page+i] &= s.pageBuf[i]
	}
	s.stats.PageWrites++
}

func (s *Simulator) Load(addr uint32, word uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrPowerLoss
	}
	if addr%wordSize != 0 || !s.inRange(addr, wordSize) {
		return errors.Wrapf(ErrSimFault, "load 0x%08x", addr)
	}

	off := addr % s.pageSize
	s.pageBuf[off] = byte(word)
	s.pageBuf[off+1] = byte(word >> 8)
	s.pageBuf[off+2] = byte(word >> 16)
	s.pageBuf[off+3] = byte(word >> 24)
	s.stats.Loads++

	// automatic page write on the last word
	if !s.manual && off == s.pageSize-wordSize {
		s.program(addr-off, s.pageSize)
	}
	return nil
}

func (s *Simulator) ReadAt(p []byte, addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(len(p)) > uint64(len(s.mem)) || !s.inRange(addr, uint32(len(p))) {
		return errors.Wrapf(ErrSimFault, "read 0x%08x+%d", addr, len(p))
	}
	s.stats.Reads++

	if !s.cacheEnabled || s.cacheDisabled {
		copy(p, s.mem[addr:])
		return nil
	}

	for i := range p {
		a := addr + uint32(i)
		tag := a - a%cacheLine
		line, ok := s.cache[tag]
		if !ok {
			line = make([]byte, cacheLine)
			copy(line, s.mem[tag:])
			s.cache[tag] = line
		}
		p[i] = line[a-tag]
	}
	return nil
}

func (s *Simulator) SetManualWrite(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual = on
	return nil
}

func (s *Simulator) SetCacheDisabled(disabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cacheDisabled
	s.cacheDisabled = disabled
	return prev, nil
}

func (s *Simulator) InvalidateCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheEnabled {
		s.cache = map[uint32][]byte{}
		s.stats.Invalidations++
	}
	return nil
}

func (s *Simulator) Barrier() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Barriers++
	return nil
}

// CutPowerAfter will let n more commands complete and cut power in the middle
// of the one after, leaving half a page programmed or half a row erased
func (s *Simulator) CutPowerAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerBudget = n
}

// PowerCycle will restore power and reset the controller registers. The flash
// array keeps its contents.
func (s *Simulator) PowerCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = false
	s.powerBudget = -1
	s.manual = false
	s.cacheDisabled = false
	s.cache = map[uint32][]byte{}
	fill(s.pageBuf, erased)
}

// Stats will return the command counters
func (s *Simulator) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Peek will return a copy of n bytes of the flash array, bypassing the cache
func (s *Simulator) Peek(addr, n uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(addr, n) {
		return nil
	}
	return append([]byte(nil), s.mem[addr:addr+n]...)
}

// Poke will overwrite flash contents directly, as an external programmer would
func (s *Simulator) Poke(addr uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(addr, uint32(len(data))) {
		return
	}
	copy(s.mem[addr:], data)
}

// LoadImageFile will replace the flash array with the contents of path
func (s *Simulator) LoadImageFile(path string) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(bs) != len(s.mem) {
		return errors.Errorf("image %s is %d bytes, device has %d", path, len(bs), len(s.mem))
	}
	copy(s.mem, bs)
	s.cache = map[uint32][]byte{}
	return nil
}

// SaveImageFile will write the flash array to path
func (s *Simulator) SaveImageFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(os.WriteFile(path, s.mem, 0o644), "could not save image")
}
