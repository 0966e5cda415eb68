package erofs

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

// BufferIter yields backend buffers one at a time. Next returns io.EOF once
// the range is exhausted. A failed step is returned as the error and leaves
// the iterator where it was.
type BufferIter interface {
	Next() (*RefBuffer, error)
}

// all adapts a BufferIter to a range-over-func sequence. Each buffer is
// released when the loop body returns.
func all(it BufferIter) iter.Seq2[*RefBuffer, error] {
	return func(yield func(*RefBuffer, error) bool) {
		for {
			buf, err := it.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			ok := yield(buf, nil)
			buf.Release()
			if !ok {
				return
			}
		}
	}
}

// ContinuousIter walks a raw byte range of the image, one block at a time.
type ContinuousIter struct {
	sb        *SuperBlock
	backend   Backend
	offset    uint64
	remaining uint64
}

func newContinuousIter(sb *SuperBlock, backend Backend, offset, n uint64) *ContinuousIter {
	return &ContinuousIter{
		sb:        sb,
		backend:   backend,
		offset:    offset,
		remaining: n,
	}
}

// Next returns the buffer covering the range up to the next block boundary.
func (it *ContinuousIter) Next() (*RefBuffer, error) {
	if it.remaining == 0 {
		return nil, io.EOF
	}
	n := min(it.sb.BlkAccess(it.offset).Len, it.remaining)
	buf, err := it.backend.AsBuf(it.offset, n)
	if err != nil {
		return nil, err
	}
	it.offset += n
	it.remaining -= n
	return buf, nil
}

// AdvanceOff skips n bytes without reading them.
func (it *ContinuousIter) AdvanceOff(n uint64) error {
	if n > it.remaining {
		return fmt.Errorf("skip %d bytes past the %d remaining: %w", n, it.remaining, ErrCorrupted)
	}
	it.offset += n
	it.remaining -= n
	return nil
}

// EOF reports whether the whole range has been consumed.
func (it *ContinuousIter) EOF() bool {
	return it.remaining == 0
}

// Offset returns the image offset of the next byte.
func (it *ContinuousIter) Offset() uint64 {
	return it.offset
}

// All returns the remaining buffers as a sequence.
func (it *ContinuousIter) All() iter.Seq2[*RefBuffer, error] {
	return all(it)
}

// MapIter walks the logical content of an inode, resolving every step
// through the extent map. Each buffer covers at most one logical block.
type MapIter struct {
	fs     *FileSystem
	inode  *Inode
	offset uint64
	end    uint64
	cur    Map
	mapped bool
}

func newMapIter(fs *FileSystem, inode *Inode, offset uint64) *MapIter {
	return &MapIter{
		fs:     fs,
		inode:  inode,
		offset: offset,
		end:    inode.Info.FileSize(),
	}
}

// Next returns the buffer at the current logical offset.
func (it *MapIter) Next() (*RefBuffer, error) {
	if it.offset >= it.end {
		return nil, io.EOF
	}
	if !it.mapped || !it.cur.Logical.Contains(it.offset) {
		m, err := it.fs.Map(it.inode, it.offset)
		if err != nil {
			return nil, err
		}
		it.cur, it.mapped = m, true
	}
	within := it.offset - it.cur.Logical.Start
	n := min(it.cur.Logical.End()-it.offset, it.fs.sb.BlkAccess(it.offset).Len)
	if n == 0 {
		return nil, it.fs.corrupted("empty extent",
			slog.Uint64("nid", it.inode.Nid), slog.Uint64("offset", it.offset))
	}
	backend, err := it.fs.deviceBackend(it.cur.DeviceID)
	if err != nil {
		return nil, err
	}
	buf, err := backend.AsBuf(it.cur.Physical.Start+within, n)
	if err != nil {
		return nil, err
	}
	it.offset += n
	return buf, nil
}

// Offset returns the logical offset of the next buffer.
func (it *MapIter) Offset() uint64 {
	return it.offset
}

// All returns the remaining buffers as a sequence.
func (it *MapIter) All() iter.Seq2[*RefBuffer, error] {
	return all(it)
}
