package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dgnsrekt/tunecache/internal/memory"
)

// ErrInsufficientMemory is returned when a memory buffer cannot grow
// without exceeding the memory budget. It never reaches callers of the
// pipeline: the download moves to disk instead.
var ErrInsufficientMemory = errors.New("insufficient memory for buffer")

// ErrBufferClosed is returned when writing to a finished buffer.
var ErrBufferClosed = errors.New("buffer is closed")

// ErrIO marks a failure of the local file system. It is never retried.
var ErrIO = errors.New("storage i/o failure")

// Buffer is an in-flight payload that has not been committed to the
// cache yet. It is implemented by *DiskBuffer and *MemoryBuffer only; the
// mode of a buffer never changes.
type Buffer interface {
	io.Writer
	Mode() Mode
	// Size returns the current payload size in bytes.
	Size() int64
	// Open returns a reader over the payload.
	Open() (io.ReadCloser, error)
	// Finish flushes pending writes; no writes are accepted afterwards.
	Finish() error
	// Discard drops the payload and releases its resources. Safe to call
	// more than once and after ownership was handed off.
	Discard() error
}

// NewBuffer creates a buffer of the requested mode. A memory buffer whose
// initial reservation is refused returns ErrInsufficientMemory.
func NewBuffer(mode Mode, dir string, sizeHint int64, monitor *memory.Monitor) (Buffer, error) {
	if mode == Memory {
		return NewMemoryBuffer(monitor, sizeHint)
	}
	return NewDiskBuffer(dir)
}

// DiskBuffer holds a payload in a temporary file it owns until the file
// is moved elsewhere.
type DiskBuffer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
	moved   bool
}

// NewDiskBuffer creates a temporary file under dir.
func NewDiskBuffer(dir string) (*DiskBuffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create buffer directory: %w", ErrIO, err)
	}
	f, err := os.CreateTemp(dir, "audio-*.part")
	if err != nil {
		return nil, fmt.Errorf("%w: create buffer file: %w", ErrIO, err)
	}
	return &DiskBuffer{path: f.Name(), file: f}, nil
}

// Mode implements Buffer.
func (b *DiskBuffer) Mode() Mode { return Disk }

// Path returns the file backing the buffer.
func (b *DiskBuffer) Path() string { return b.path }

// Write implements io.Writer.
func (b *DiskBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return 0, ErrBufferClosed
	}
	n, err := b.file.Write(p)
	b.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: write chunk: %w", ErrIO, err)
	}
	return n, nil
}

// Size implements Buffer. Once finished, the size is read from the file
// so in-place edits such as tagging are reflected.
func (b *DiskBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil && !b.moved {
		if st, err := os.Stat(b.path); err == nil {
			return st.Size()
		}
	}
	return b.written
}

// Open implements Buffer.
func (b *DiskBuffer) Open() (io.ReadCloser, error) {
	return os.Open(b.path)
}

// Finish implements Buffer.
func (b *DiskBuffer) Finish() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	f := b.file
	b.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: flush buffer: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close buffer: %w", ErrIO, err)
	}
	return nil
}

// MoveTo renames the file to dst and hands ownership to the caller.
// Discard becomes a no-op afterwards.
func (b *DiskBuffer) MoveTo(dst string) error {
	if err := b.Finish(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.moved {
		return errors.New("buffer already moved")
	}
	if err := os.Rename(b.path, dst); err != nil {
		return fmt.Errorf("%w: move buffer file: %w", ErrIO, err)
	}
	b.path = dst
	b.moved = true
	return nil
}

// Discard implements Buffer.
func (b *DiskBuffer) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	if b.moved {
		return nil
	}
	b.moved = true
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// MemoryBuffer holds a payload in memory. Every byte of capacity is
// reserved against the memory monitor for the lifetime of the buffer.
type MemoryBuffer struct {
	mu       sync.Mutex
	monitor  *memory.Monitor
	data     []byte
	reserved uint64
	finished bool
	released bool
}

// NewMemoryBuffer creates a memory buffer, reserving sizeHint bytes up
// front when the size is known.
func NewMemoryBuffer(monitor *memory.Monitor, sizeHint int64) (*MemoryBuffer, error) {
	b := &MemoryBuffer{monitor: monitor}
	if sizeHint > 0 {
		if !monitor.TryReserve(uint64(sizeHint)) {
			return nil, ErrInsufficientMemory
		}
		b.reserved = uint64(sizeHint)
		b.data = make([]byte, 0, sizeHint)
	}
	return b, nil
}

// Mode implements Buffer.
func (b *MemoryBuffer) Mode() Mode { return Memory }

// Write implements io.Writer. When the budget refuses to grow the
// buffer it returns ErrInsufficientMemory and writes nothing.
func (b *MemoryBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished || b.released {
		return 0, ErrBufferClosed
	}
	if err := b.grow(len(b.data) + len(p)); err != nil {
		return 0, err
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// grow ensures capacity for need bytes is reserved. Caller holds mu.
func (b *MemoryBuffer) grow(need int) error {
	if uint64(need) <= b.reserved {
		return nil
	}
	target := uint64(need) + uint64(need)/4
	if !b.monitor.TryReserve(target - b.reserved) {
		target = uint64(need)
		if !b.monitor.TryReserve(target - b.reserved) {
			return ErrInsufficientMemory
		}
	}
	b.reserved = target
	if uint64(cap(b.data)) < target {
		grown := make([]byte, len(b.data), target)
		copy(grown, b.data)
		b.data = grown
	}
	return nil
}

// Size implements Buffer.
func (b *MemoryBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// Bytes returns the payload. The slice must not be modified.
func (b *MemoryBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Splice replaces everything before offset from with head. The new
// payload is reserved on top of the current one while both are live, and
// the old reservation is released once it is dropped. The payload is
// kept when the budget refuses.
func (b *MemoryBuffer) Splice(head []byte, from int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrBufferClosed
	}
	if from < 0 || from > len(b.data) {
		return fmt.Errorf("splice offset %d out of range [0, %d]", from, len(b.data))
	}
	size := len(head) + len(b.data) - from
	if !b.monitor.TryReserve(uint64(size)) {
		return ErrInsufficientMemory
	}
	out := make([]byte, 0, size)
	out = append(out, head...)
	out = append(out, b.data[from:]...)

	b.monitor.Release(b.reserved)
	b.reserved = uint64(size)
	b.data = out
	return nil
}

// Open implements Buffer.
func (b *MemoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Bytes())), nil
}

// Finish implements Buffer. Unused capacity goes back to the budget.
func (b *MemoryBuffer) Finish() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return nil
	}
	b.finished = true
	if len(b.data) < cap(b.data) {
		trimmed := make([]byte, len(b.data))
		copy(trimmed, b.data)
		b.data = trimmed
	}
	if used := uint64(len(b.data)); used < b.reserved {
		b.monitor.Release(b.reserved - used)
		b.reserved = used
	}
	return nil
}

// Discard implements Buffer.
func (b *MemoryBuffer) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	b.finished = true
	b.monitor.Release(b.reserved)
	b.reserved = 0
	b.data = nil
	return nil
}

// Spill copies a memory buffer into a new disk buffer under dir and
// releases the memory buffer. The result has not been finished, so the
// caller may keep writing to it.
func Spill(b *MemoryBuffer, dir string) (*DiskBuffer, error) {
	disk, err := NewDiskBuffer(dir)
	if err != nil {
		return nil, err
	}
	if _, err := disk.Write(b.Bytes()); err != nil {
		_ = disk.Discard()
		return nil, err
	}
	_ = b.Discard()
	return disk, nil
}
