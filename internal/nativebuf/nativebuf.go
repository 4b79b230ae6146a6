// Package nativebuf provides off-heap byte buffers backed by anonymous
// memory mappings. The Go garbage collector never moves or frees them;
// the owner releases them explicitly.
package nativebuf

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrAllocation is returned when the kernel refuses a mapping.
var ErrAllocation = errors.New("native buffer allocation failed")

// Buffer is a single-owner native allocation. Pass it by pointer only.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	size int
}

// Alloc maps size bytes of zeroed, private, anonymous memory.
func Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocation, size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	return &Buffer{data: data, size: size}, nil
}

// Bytes returns the mapped memory, or nil once released.
// The slice must not be used after Release.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the allocation size in bytes (0 once released).
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return 0
	}
	return b.size
}

// Released reports whether Release has already unmapped the buffer.
func (b *Buffer) Released() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data == nil
}

// Release unmaps the buffer. Calling it again is a no-op.
func (b *Buffer) Release() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return nil
	}

	data := b.data
	b.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", b.size, err)
	}
	return nil
}
