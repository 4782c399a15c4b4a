package queue

import (
	"fmt"
	"sync"
)

// Allocator provides device-translatable sample memory
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Release(b []byte) error
}

// BufferPool recycles sample buffers so the streaming path does not go
// back to the allocator for every period. Buffers are bucketed by
// power-of-two size (4KB, 16KB, 64KB, 256KB); larger requests bypass the pool.
type BufferPool struct {
	mu     sync.Mutex
	alloc  Allocator
	idle   map[int][][]byte
	max    int
	closed bool
}

// Buffer size thresholds
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

// NewBufferPool creates a pool keeping at most maxIdle buffers per bucket
func NewBufferPool(alloc Allocator, maxIdle int) *BufferPool {
	if maxIdle <= 0 {
		maxIdle = 8
	}
	return &BufferPool{alloc: alloc, idle: make(map[int][][]byte), max: maxIdle}
}

func bucket(size int) int {
	switch {
	case size <= size4k:
		return size4k
	case size <= size16k:
		return size16k
	case size <= size64k:
		return size64k
	case size <= size256k:
		return size256k
	default:
		return 0
	}
}

// Get returns a buffer of len size. Callers return it with Put.
func (p *BufferPool) Get(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("queue: invalid buffer size %d", size)
	}
	b := bucket(size)
	if b == 0 {
		return p.alloc.Alloc(size)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("queue: buffer pool closed")
	}
	if free := p.idle[b]; len(free) > 0 {
		buf := free[len(free)-1]
		p.idle[b] = free[:len(free)-1]
		p.mu.Unlock()
		return buf[:size], nil
	}
	p.mu.Unlock()

	buf, err := p.alloc.Alloc(b)
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// Put returns a buffer to the pool. Buffers of non-standard capacity, and
// buffers beyond the idle limit, go back to the allocator.
func (p *BufferPool) Put(buf []byte) error {
	c := cap(buf)
	buf = buf[:c]

	p.mu.Lock()
	if !p.closed && bucket(c) == c && len(p.idle[c]) < p.max {
		p.idle[c] = append(p.idle[c], buf)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.alloc.Release(buf)
}

// Idle returns the number of pooled buffers
func (p *BufferPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, free := range p.idle {
		n += len(free)
	}
	return n
}

// Close releases every idle buffer
func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for b, free := range p.idle {
		for _, buf := range free {
			if err := p.alloc.Release(buf); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.idle, b)
	}
	return firstErr
}
