package erofs

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/erofs/go-erofs/internal/disk"
)

// Segment is a half open byte range [Start, Start+Len).
type Segment struct {
	Start uint64
	Len   uint64
}

// End returns the first byte after the segment.
func (s Segment) End() uint64 {
	return s.Start + s.Len
}

// Contains reports whether off lies inside the segment.
func (s Segment) Contains(off uint64) bool {
	return off >= s.Start && off-s.Start < s.Len
}

// MapType tells where the physical bytes of an extent live.
type MapType uint8

const (
	// MapNormal extents point at data blocks.
	MapNormal MapType = iota
	// MapMeta extents point at the inline tail stored in the metadata area.
	MapMeta
)

func (t MapType) String() string {
	if t == MapMeta {
		return "meta"
	}
	return "normal"
}

// Map is the translation of a logical range of an inode to a physical
// range on one device.
type Map struct {
	Logical         Segment
	Physical        Segment
	AlgorithmFormat uint16
	DeviceID        uint16
	Type            MapType
}

// Map translates the logical offset of inode to its physical extent.
func (f *FileSystem) Map(inode *Inode, offset uint64) (Map, error) {
	size := inode.Info.FileSize()
	if offset >= size {
		return Map{}, f.corrupted("map offset beyond end of file",
			slog.Uint64("nid", inode.Nid), slog.Uint64("offset", offset), slog.Uint64("size", size))
	}
	switch layout := inode.Info.Format().Layout(); layout {
	case LayoutFlatPlain, LayoutFlatInline:
		return f.flatMap(inode, offset, layout == LayoutFlatInline)
	case LayoutChunk:
		return f.chunkMap(inode, offset)
	case LayoutCompressedFull, LayoutCompressedCompact:
		return Map{}, fmt.Errorf("map nid %d: %s layout: %w", inode.Nid, layout, ErrUnsupported)
	default:
		return Map{}, f.corrupted("unknown data layout", slog.Uint64("nid", inode.Nid))
	}
}

func (f *FileSystem) flatMap(inode *Inode, offset uint64, inline bool) (Map, error) {
	info := inode.Info
	raw, ok := info.Spec().RawBlkAddr()
	if !ok {
		return Map{}, f.corrupted("flat map of inode without raw block address",
			slog.Uint64("nid", inode.Nid), slog.String("type", info.InodeType().String()))
	}
	size := info.FileSize()
	nblocks := f.sb.BlkRoundUp(size)
	lastblk := nblocks
	if inline {
		lastblk--
	}

	if offset < f.sb.Blkpos(lastblk) {
		n := min(size, f.sb.Blkpos(lastblk)) - offset
		return Map{
			Logical:  Segment{Start: offset, Len: n},
			Physical: Segment{Start: f.sb.Blkpos(raw) + offset, Len: n},
			Type:     MapNormal,
		}, nil
	}
	if !inline {
		return Map{}, f.corrupted("flat map offset beyond last block",
			slog.Uint64("nid", inode.Nid), slog.Uint64("offset", offset))
	}

	tail := f.sb.Iloc(inode.Nid) + info.InodeSize() + info.XattrSize()
	if f.sb.BlkAccess(tail).Off+size-f.sb.Blkpos(lastblk) > f.sb.Blksz() {
		return Map{}, f.corrupted("inline data crosses block boundary",
			slog.Uint64("nid", inode.Nid), slog.Uint64("size", size))
	}
	n := size - offset
	return Map{
		Logical:  Segment{Start: offset, Len: n},
		Physical: Segment{Start: tail + f.sb.BlkAccess(offset).Off, Len: n},
		Type:     MapMeta,
	}, nil
}

func (f *FileSystem) chunkMap(inode *Inode, offset uint64) (Map, error) {
	info := inode.Info
	format, ok := info.Spec().ChunkFormat()
	if !ok {
		return Map{}, f.corrupted("chunk map of inode without chunk format",
			slog.Uint64("nid", inode.Nid), slog.String("type", info.InodeType().String()))
	}
	if uint64(format.ChunkBits())+uint64(f.sb.BlkSizeBits) > 63 {
		return Map{}, f.corrupted("chunk size overflows",
			slog.Uint64("nid", inode.Nid), slog.Int("chunkbits", int(format.ChunkBits())))
	}
	acc := f.sb.ChunkAccess(format, offset)

	unit := uint64(disk.SizeBlockMapEntry)
	if format.IsChunkIndex() {
		unit = disk.SizeChunkIndex
	}
	pos := roundUp(f.sb.Iloc(inode.Nid)+info.InodeSize()+info.XattrSize()+unit*acc.Nr, unit)

	var (
		entry    [disk.SizeChunkIndex]byte
		blkaddr  uint32
		deviceID uint16
	)
	if _, err := f.backend.Fill(entry[:unit], pos); err != nil {
		return Map{}, fmt.Errorf("read chunk entry of nid %d: %w", inode.Nid, err)
	}
	if format.IsChunkIndex() {
		var idx disk.ChunkIndex
		if _, err := binary.Decode(entry[:], binary.LittleEndian, &idx); err != nil {
			return Map{}, err
		}
		blkaddr = idx.BlkAddr
		deviceID = idx.DeviceID & f.devices.Mask
	} else {
		blkaddr = binary.LittleEndian.Uint32(entry[:4])
	}
	if blkaddr == disk.NullAddr {
		return Map{}, f.corrupted("unmapped chunk",
			slog.Uint64("nid", inode.Nid), slog.Uint64("chunk", acc.Nr))
	}

	n := min(acc.Len, info.FileSize()-offset)
	return Map{
		Logical:  Segment{Start: offset, Len: n},
		Physical: Segment{Start: f.sb.Blkpos(blkaddr) + acc.Off, Len: n},
		DeviceID: deviceID,
		Type:     MapNormal,
	}, nil
}

// ReadAt reads the content of inode at off into p, resolving every extent
// through Map. It returns io.EOF when fewer than len(p) bytes remain.
func (f *FileSystem) ReadAt(inode *Inode, p []byte, off uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= inode.Info.FileSize() {
		return 0, io.EOF
	}
	var n int
	it := f.MappedIter(inode, off)
	for buf, err := range it.All() {
		if err != nil {
			return n, err
		}
		n += copy(p[n:], buf.Bytes())
		if n == len(p) {
			break
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
