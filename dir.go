package erofs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/erofs/go-erofs/internal/disk"
)

// DirentDesc is the fixed part of a directory entry.
type DirentDesc struct {
	Nid      uint64
	NameOff  uint16
	FileType uint8
}

// Dirent is a directory entry. Name aliases the directory block it was
// decoded from and is only valid while that buffer is held.
type Dirent struct {
	Desc DirentDesc
	Name []byte
}

// DirCollection decodes the entries of one directory block.
type DirCollection struct {
	block []byte
	total int
	idx   int
}

// NewDirCollection validates the entry table of a directory block.
func NewDirCollection(b []byte) (*DirCollection, error) {
	if len(b) < disk.SizeDirent {
		return nil, fmt.Errorf("directory block of %d bytes: %w", len(b), ErrCorrupted)
	}
	nameoff0 := int(binary.LittleEndian.Uint16(b[8:10]))
	if nameoff0 < disk.SizeDirent || nameoff0%disk.SizeDirent != 0 || nameoff0 >= len(b) {
		return nil, fmt.Errorf("invalid nameoff0 %d in block of %d bytes: %w", nameoff0, len(b), ErrCorrupted)
	}
	total := nameoff0 / disk.SizeDirent
	prev := nameoff0
	for i := 1; i < total; i++ {
		off := int(binary.LittleEndian.Uint16(b[i*disk.SizeDirent+8:]))
		if off < prev || off > len(b) {
			return nil, fmt.Errorf("invalid nameoff %d of dirent %d: %w", off, i, ErrCorrupted)
		}
		prev = off
	}
	return &DirCollection{block: b, total: total}, nil
}

// Total returns the number of entries in the block.
func (c *DirCollection) Total() int {
	return c.total
}

// Skip advances past the next n entries.
func (c *DirCollection) Skip(n int) {
	c.idx = min(c.idx+n, c.total)
}

// Next returns the next entry, ok is false once all entries were returned.
func (c *DirCollection) Next() (d Dirent, ok bool) {
	if c.idx >= c.total {
		return Dirent{}, false
	}
	e := c.block[c.idx*disk.SizeDirent:]
	d.Desc = DirentDesc{
		Nid:      binary.LittleEndian.Uint64(e[0:8]),
		NameOff:  binary.LittleEndian.Uint16(e[8:10]),
		FileType: e[10],
	}
	end := len(c.block)
	if c.idx+1 < c.total {
		end = int(binary.LittleEndian.Uint16(e[disk.SizeDirent+8:]))
	}
	d.Name = c.block[d.Desc.NameOff:end]
	if c.idx+1 == c.total {
		if i := bytes.IndexByte(d.Name, 0); i >= 0 {
			d.Name = d.Name[:i]
		}
	}
	c.idx++
	return d, true
}

// All returns the remaining entries as a sequence.
func (c *DirCollection) All() iter.Seq[Dirent] {
	return func(yield func(Dirent) bool) {
		for {
			d, ok := c.Next()
			if !ok || !yield(d) {
				return
			}
		}
	}
}

func (f *FileSystem) dirents(inode *Inode, buf *RefBuffer) (*DirCollection, error) {
	c, err := buf.Dirents()
	if err != nil && errors.Is(err, ErrCorrupted) {
		f.logger.Warn("Corrupted dirent", slog.Uint64("nid", inode.Nid), slog.Any("error", err))
	}
	return c, err
}

// FindNid looks name up in the directory inode. ok is false when no entry
// has that name.
func (f *FileSystem) FindNid(inode *Inode, name string) (nid uint64, ok bool, err error) {
	if inode.Info.InodeType() != TypeDirectory {
		return 0, false, fmt.Errorf("find %q in nid %d: %w", name, inode.Nid, ErrNotDir)
	}
	for buf, err := range f.MappedIter(inode, 0).All() {
		if err != nil {
			return 0, false, err
		}
		c, err := f.dirents(inode, buf)
		if err != nil {
			return 0, false, err
		}
		for d := range c.All() {
			if string(d.Name) == name {
				return d.Desc.Nid, true, nil
			}
		}
	}
	return 0, false, nil
}

// FillDentries walks the entries of the directory inode starting at the
// directory position offset. emit receives every entry with the position
// following it, which can be passed back as offset to resume. The walk stops
// when emit returns false.
func (f *FileSystem) FillDentries(inode *Inode, offset uint64, emit func(d Dirent, next uint64) bool) error {
	if inode.Info.InodeType() != TypeDirectory {
		return fmt.Errorf("readdir nid %d: %w", inode.Nid, ErrNotDir)
	}
	size := inode.Info.FileSize()
	if offset > size {
		return f.corrupted("directory offset beyond end",
			slog.Uint64("nid", inode.Nid), slog.Uint64("offset", offset))
	}
	if offset == size {
		return nil
	}

	blksz := f.sb.Blksz()
	mapOff := roundDown(offset, blksz)
	blkOff := roundUp(f.sb.BlkAccess(offset).Off, disk.SizeDirent)
	pos := mapOff + blkOff
	skip := int(blkOff / disk.SizeDirent)

	first := true
	for buf, err := range f.MappedIter(inode, mapOff).All() {
		if err != nil {
			return err
		}
		c, err := f.dirents(inode, buf)
		if err != nil {
			return err
		}
		if first {
			first = false
			if skip > c.Total() {
				pos = roundUp(pos, blksz)
				continue
			}
			c.Skip(skip)
		}
		for d := range c.All() {
			pos += disk.SizeDirent
			if !emit(d, pos) {
				return nil
			}
		}
		pos = roundUp(pos, blksz)
	}
	return nil
}
