package erofs

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Source reads raw bytes from a storage medium such as a file, a memory
// region or a remote blob. Sources are wrapped by a Backend before use.
type Source interface {
	// Fill reads len(p) bytes at off into p and returns the number of
	// bytes read.
	Fill(p []byte, off uint64) (int, error)
	// AsBuf returns a borrowed view of n bytes at off. The caller must
	// Release the buffer once done with it.
	AsBuf(off, n uint64) (*RefBuffer, error)
}

// Backend is the data access layer used by the decoder. It has the same
// methods as Source and may transform the bytes of the Source it wraps.
type Backend interface {
	Fill(p []byte, off uint64) (int, error)
	AsBuf(off, n uint64) (*RefBuffer, error)
}

// RefBuffer is a borrowed view of backend data. Release hands the memory
// back to its owner; the content must not be used afterwards.
type RefBuffer struct {
	buf      []byte
	release  func([]byte)
	released bool
}

// NewRefBuffer wraps buf. release is called once with buf on Release and
// may be nil.
func NewRefBuffer(buf []byte, release func([]byte)) *RefBuffer {
	return &RefBuffer{buf: buf, release: release}
}

// Bytes returns the buffer content.
func (b *RefBuffer) Bytes() []byte {
	if b == nil || b.released {
		return nil
	}
	return b.buf
}

// Release returns the buffer to its owner. Calls after the first are no-ops.
func (b *RefBuffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.release != nil {
		b.release(b.buf)
	}
	b.buf = nil
}

// Dirents interprets the buffer as one directory block.
func (b *RefBuffer) Dirents() (*DirCollection, error) {
	return NewDirCollection(b.Bytes())
}

type readerAtSource struct {
	r    io.ReaderAt
	pool sync.Pool
}

// NewReaderAtSource returns a Source reading from r. Buffers returned by
// AsBuf are pooled and reused after Release.
func NewReaderAtSource(r io.ReaderAt) Source {
	return &readerAtSource{r: r}
}

func (s *readerAtSource) Fill(p []byte, off uint64) (int, error) {
	n, err := s.r.ReadAt(p, int64(off))
	if n == len(p) {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, fmt.Errorf("read %d bytes at %d: %w", len(p), off, err)
}

func (s *readerAtSource) AsBuf(off, n uint64) (*RefBuffer, error) {
	var buf []byte
	if p, ok := s.pool.Get().(*[]byte); ok && uint64(cap(*p)) >= n {
		buf = (*p)[:n]
	} else {
		buf = make([]byte, n)
	}
	if _, err := s.Fill(buf, off); err != nil {
		s.pool.Put(&buf)
		return nil, err
	}
	return NewRefBuffer(buf, func(b []byte) {
		s.pool.Put(&b)
	}), nil
}

type memorySource struct {
	data []byte
}

// NewMemorySource returns a Source over an in-memory image. AsBuf returns
// slices of data without copying.
func NewMemorySource(data []byte) Source {
	return &memorySource{data: data}
}

func (m *memorySource) check(off, n uint64) error {
	size := uint64(len(m.data))
	if off > size || n > size-off {
		return fmt.Errorf("range [%d, +%d) out of image of %d bytes: %w", off, n, size, io.ErrUnexpectedEOF)
	}
	return nil
}

func (m *memorySource) Fill(p []byte, off uint64) (int, error) {
	if err := m.check(off, uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *memorySource) AsBuf(off, n uint64) (*RefBuffer, error) {
	if err := m.check(off, n); err != nil {
		return nil, err
	}
	return NewRefBuffer(m.data[off:off+n:off+n], nil), nil
}

type uncompressedBackend struct {
	src Source
}

// NewUncompressedBackend returns a Backend passing reads straight through
// to src.
func NewUncompressedBackend(src Source) Backend {
	return &uncompressedBackend{src: src}
}

func (b *uncompressedBackend) Fill(p []byte, off uint64) (int, error) {
	return b.src.Fill(p, off)
}

func (b *uncompressedBackend) AsBuf(off, n uint64) (*RefBuffer, error) {
	return b.src.AsBuf(off, n)
}
