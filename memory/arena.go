// Package memory provides device-addressable memory for the virtio audio transport
package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
)

var (
	// ErrOutOfMemory is returned when no suitable run of free pages exists
	ErrOutOfMemory = errors.New("memory: arena exhausted")

	// ErrBadAddress is returned for addresses or slices outside the arena
	ErrBadAddress = errors.New("memory: address not backed by arena")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("memory: arena closed")
)

// DefaultBaseAddr is the device address of the first frame
const DefaultBaseAddr = 0x4000_0000

// Config describes an arena
type Config struct {
	Pages    int    // number of pages (default: constants.DefaultArenaPages)
	BaseAddr uint64 // device address of frame 0 (default: DefaultBaseAddr)

	// FragmentEvery leaves a one-frame hole in the device address space after
	// every N pages, so linear runs longer than N pages are not physically
	// contiguous. 0 keeps the whole arena contiguous.
	FragmentEvery int
}

// Arena is a page-aligned anonymous mapping with its own device address
// space. Page i of the mapping is backed by device frame frame(i); frames
// increase with i, optionally skipping one frame every FragmentEvery pages.
type Arena struct {
	mu       sync.Mutex
	buf      []byte
	pageSize int
	base     uint64
	fragment int
	used     []bool
	contig   map[uint64]int  // device address -> pages, for AllocContiguous
	scatter  map[uintptr]int // linear offset -> pages, for Alloc
	closed   bool
}

// New maps a new arena
func New(cfg Config) (*Arena, error) {
	if cfg.Pages <= 0 {
		cfg.Pages = constants.DefaultArenaPages
	}
	if cfg.BaseAddr == 0 {
		cfg.BaseAddr = DefaultBaseAddr
	}
	if cfg.FragmentEvery < 0 {
		return nil, fmt.Errorf("memory: negative FragmentEvery %d", cfg.FragmentEvery)
	}

	pageSize := constants.PageSize
	buf, err := unix.Mmap(-1, 0, cfg.Pages*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d pages: %w", cfg.Pages, err)
	}

	return &Arena{
		buf:      buf,
		pageSize: pageSize,
		base:     cfg.BaseAddr,
		fragment: cfg.FragmentEvery,
		used:     make([]bool, cfg.Pages),
		contig:   make(map[uint64]int),
		scatter:  make(map[uintptr]int),
	}, nil
}

// Close unmaps the arena. Slices handed out earlier must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	err := unix.Munmap(a.buf)
	a.buf = nil
	return err
}

// PageSize returns the translation granularity
func (a *Arena) PageSize() int {
	return a.pageSize
}

// FreePages returns the number of unallocated pages
func (a *Arena) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, u := range a.used {
		if !u {
			n++
		}
	}
	return n
}

func (a *Arena) frame(page int) uint64 {
	if a.fragment > 0 {
		return uint64(page + page/a.fragment)
	}
	return uint64(page)
}

func (a *Arena) pageOfFrame(frame uint64) (int, bool) {
	if a.fragment > 0 {
		group := frame / uint64(a.fragment+1)
		off := frame % uint64(a.fragment+1)
		if off == uint64(a.fragment) {
			return 0, false // hole
		}
		frame = group*uint64(a.fragment) + off
	}
	if frame >= uint64(len(a.used)) {
		return 0, false
	}
	return int(frame), true
}

func (a *Arena) addrOf(page, off int) uint64 {
	return a.base + a.frame(page)*uint64(a.pageSize) + uint64(off)
}

// contiguousFrom reports whether pages [page, page+n) have consecutive frames
func (a *Arena) contiguousFrom(page, n int) bool {
	for i := page + 1; i < page+n; i++ {
		if a.frame(i) != a.frame(i-1)+1 {
			return false
		}
	}
	return true
}

func (a *Arena) pagesFor(size int) int {
	if size <= 0 {
		return 1
	}
	return (size + a.pageSize - 1) / a.pageSize
}

// findRun returns the lowest page starting n free pages; with physical set the
// run must also be contiguous in the device address space.
func (a *Arena) findRun(n int, physical bool) (int, bool) {
	for start := 0; start+n <= len(a.used); start++ {
		ok := true
		for i := start; i < start+n; i++ {
			if a.used[i] {
				ok = false
				start = i
				break
			}
		}
		if !ok {
			continue
		}
		if physical && !a.contiguousFrom(start, n) {
			continue
		}
		return start, true
	}
	return 0, false
}

func (a *Arena) claim(start, n int) []byte {
	for i := start; i < start+n; i++ {
		a.used[i] = true
	}
	b := a.buf[start*a.pageSize : (start+n)*a.pageSize]
	clear(b)
	return b
}

func (a *Arena) release(start, n int) {
	for i := start; i < start+n; i++ {
		a.used[i] = false
	}
}

// AllocContiguous implements interfaces.Memory
func (a *Arena) AllocContiguous(size int) (interfaces.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return interfaces.Region{}, ErrClosed
	}
	n := a.pagesFor(size)
	start, ok := a.findRun(n, true)
	if !ok {
		return interfaces.Region{}, fmt.Errorf("%w: %d contiguous pages", ErrOutOfMemory, n)
	}
	b := a.claim(start, n)
	addr := a.addrOf(start, 0)
	a.contig[addr] = n
	return interfaces.Region{Buf: b[:size:size], Addr: addr}, nil
}

// MapContiguous implements interfaces.Memory
func (a *Arena) MapContiguous(addr uint64, size int) (interfaces.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return interfaces.Region{}, ErrClosed
	}
	n, ok := a.contig[addr]
	if !ok || a.pagesFor(size) > n {
		return interfaces.Region{}, fmt.Errorf("%w: no allocation of %d bytes at 0x%x", ErrBadAddress, size, addr)
	}
	page, _ := a.pageOfFrame((addr - a.base) / uint64(a.pageSize))
	b := a.buf[page*a.pageSize : page*a.pageSize+size : page*a.pageSize+size]
	return interfaces.Region{Buf: b, Addr: addr}, nil
}

// Unmap implements interfaces.Memory. Arena memory stays mapped for the
// arena's lifetime, so this only validates the region.
func (a *Arena) Unmap(r interfaces.Region) error {
	if len(r.Buf) == 0 {
		return nil
	}
	if _, _, err := a.Translate(r.Buf[:1]); err != nil {
		return err
	}
	return nil
}

// FreeContiguous implements interfaces.Memory
func (a *Arena) FreeContiguous(addr uint64, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	n, ok := a.contig[addr]
	if !ok {
		return fmt.Errorf("%w: free of 0x%x", ErrBadAddress, addr)
	}
	page, _ := a.pageOfFrame((addr - a.base) / uint64(a.pageSize))
	a.release(page, n)
	delete(a.contig, addr)
	return nil
}

func (a *Arena) offsetOf(p []byte) (int, error) {
	if len(p) == 0 || len(a.buf) == 0 {
		return 0, ErrBadAddress
	}
	start := uintptr(unsafe.Pointer(&a.buf[0]))
	ptr := uintptr(unsafe.Pointer(&p[0]))
	if ptr < start || ptr-start+uintptr(len(p)) > uintptr(len(a.buf)) {
		return 0, ErrBadAddress
	}
	return int(ptr - start), nil
}

// Translate implements interfaces.Memory
func (a *Arena) Translate(p []byte) (uint64, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, 0, ErrClosed
	}
	off, err := a.offsetOf(p)
	if err != nil {
		return 0, 0, err
	}

	page, inPage := off/a.pageSize, off%a.pageSize
	addr := a.addrOf(page, inPage)
	n := a.pageSize - inPage
	for n < len(p) && a.frame(page+1) == a.frame(page)+1 {
		n += a.pageSize
		page++
	}
	if n > len(p) {
		n = len(p)
	}
	return addr, n, nil
}

// Alloc returns size bytes of page-aligned arena memory that need not be
// physically contiguous. Sample buffers come from here.
func (a *Arena) Alloc(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	n := a.pagesFor(size)
	start, ok := a.findRun(n, false)
	if !ok {
		return nil, fmt.Errorf("%w: %d pages", ErrOutOfMemory, n)
	}
	b := a.claim(start, n)
	a.scatter[uintptr(start*a.pageSize)] = n
	return b[:size:size], nil
}

// Release returns memory obtained from Alloc
func (a *Arena) Release(b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	off, err := a.offsetOf(b)
	if err != nil {
		return err
	}
	n, ok := a.scatter[uintptr(off)]
	if !ok {
		return fmt.Errorf("%w: release of unallocated buffer", ErrBadAddress)
	}
	a.release(off/a.pageSize, n)
	delete(a.scatter, uintptr(off))
	return nil
}

// Bytes gives device-side access to n bytes at device address addr. The
// range must be physically contiguous.
func (a *Arena) Bytes(addr uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if addr < a.base || n < 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadAddress, addr)
	}
	rel := addr - a.base
	page, ok := a.pageOfFrame(rel / uint64(a.pageSize))
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadAddress, addr)
	}
	inPage := int(rel % uint64(a.pageSize))
	pages := a.pagesFor(inPage + n)
	if page+pages > len(a.used) || !a.contiguousFrom(page, pages) {
		return nil, fmt.Errorf("%w: 0x%x+%d crosses a frame gap", ErrBadAddress, addr, n)
	}
	start := page*a.pageSize + inPage
	return a.buf[start : start+n : start+n], nil
}

var _ interfaces.Memory = (*Arena)(nil)
