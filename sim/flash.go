package sim

import (
	"errors"
	"io"
	"sync"
)

// ErrPowerCut is returned by a MemFlash whose injected fault has tripped.
var ErrPowerCut = errors.New("simulated power loss during flash write")

// MemFlash is an in-memory flash region.  It satisfies the persistence
// backend contract (io.ReaderAt, io.WriterAt, Sync) and can cut power
// after a configured number of writes to model a torn save.
type MemFlash struct {
	mu  sync.Mutex
	buf []byte

	// FailAfterWrites cuts power once this many WriteAt calls have
	// completed; negative disables the fault
	FailAfterWrites int

	writes int
}

// NewMemFlash returns an erased (all-ones) region of the given size.
func NewMemFlash(size int) *MemFlash {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &MemFlash{buf: buf, FailAfterWrites: -1}
}

// ReadAt implements io.ReaderAt.
func (m *MemFlash) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, honoring the injected fault.
func (m *MemFlash) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAfterWrites >= 0 && m.writes >= m.FailAfterWrites {
		return 0, ErrPowerCut
	}
	m.writes++
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, errors.New("write outside flash region")
	}
	return copy(m.buf[off:], p), nil
}

// Sync implements the backend contract; memory needs no flushing.
func (m *MemFlash) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAfterWrites >= 0 && m.writes >= m.FailAfterWrites {
		return ErrPowerCut
	}
	return nil
}

// Bytes exposes the raw region for inspection.
func (m *MemFlash) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}
