package erofs

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/erofs/go-erofs/internal/disk"
)

// Format is the i_format bitfield of an on-disk inode.
type Format uint16

// Version of the inode record.
type Version uint8

const (
	VersionCompact Version = iota
	VersionExtended
)

// Layout is the data layout of an inode.
type Layout uint8

const (
	LayoutFlatPlain Layout = iota
	LayoutCompressedFull
	LayoutFlatInline
	LayoutCompressedCompact
	LayoutChunk
	LayoutUnknown
)

var layoutNames = [...]string{
	LayoutFlatPlain:         "flat-plain",
	LayoutCompressedFull:    "compressed-full",
	LayoutFlatInline:        "flat-inline",
	LayoutCompressedCompact: "compressed-compact",
	LayoutChunk:             "chunk",
	LayoutUnknown:           "unknown",
}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("layout(%d)", uint8(l))
}

// Version returns whether the inode is compact or extended.
func (f Format) Version() Version {
	return Version((uint16(f) >> disk.InodeVersionBit) & disk.InodeVersionMask)
}

// Layout returns the data layout, LayoutUnknown for reserved values.
func (f Format) Layout() Layout {
	l := (uint16(f) >> disk.InodeLayoutBit) & disk.InodeLayoutMask
	if l > disk.LayoutChunkBased {
		return LayoutUnknown
	}
	return Layout(l)
}

// Type is the file type of an inode.
type Type uint8

const (
	TypeRegular Type = iota
	TypeDirectory
	TypeLink
	TypeCharacter
	TypeBlock
	TypeFifo
	TypeSocket
	TypeUnknown
)

var typeNames = [...]string{
	TypeRegular:   "regular",
	TypeDirectory: "directory",
	TypeLink:      "symlink",
	TypeCharacter: "chardev",
	TypeBlock:     "blockdev",
	TypeFifo:      "fifo",
	TypeSocket:    "socket",
	TypeUnknown:   "unknown",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ChunkFormat describes the chunk table of a chunk-based inode.
type ChunkFormat uint16

// IsChunkIndex reports whether the table holds 8-byte chunk indexes rather
// than 4-byte block addresses.
func (c ChunkFormat) IsChunkIndex() bool {
	return uint16(c)&disk.LayoutChunkFormatIndexes != 0
}

// ChunkBits returns log2 of the chunk size in blocks.
func (c ChunkFormat) ChunkBits() uint16 {
	return uint16(c) & disk.LayoutChunkFormatBits
}

// ChunkIndex is a decoded entry of a full chunk index table.
type ChunkIndex struct {
	Advise   uint16
	DeviceID uint16
	BlkAddr  uint32
}

// SpecKind tells how the i_u field of an inode is interpreted.
type SpecKind uint8

const (
	SpecUnknown SpecKind = iota
	SpecRawBlk
	SpecCompressedBlocks
	SpecChunk
)

// Spec is the layout dependent payload of an inode.
type Spec struct {
	Kind  SpecKind
	Value uint32
}

// RawBlkAddr returns the first data block of a flat inode.
func (s Spec) RawBlkAddr() (uint32, bool) {
	return s.Value, s.Kind == SpecRawBlk
}

// ChunkFormat returns the chunk format of a chunk-based inode.
func (s Spec) ChunkFormat() (ChunkFormat, bool) {
	return ChunkFormat(uint16(s.Value)), s.Kind == SpecChunk
}

// InodeInfo is a decoded on-disk inode. Exactly one of the compact and
// extended records is set.
type InodeInfo struct {
	compact  *disk.InodeCompact
	extended *disk.InodeExtended
}

// NewCompactInodeInfo wraps a compact inode record.
func NewCompactInodeInfo(ino disk.InodeCompact) InodeInfo {
	return InodeInfo{compact: &ino}
}

// NewExtendedInodeInfo wraps an extended inode record.
func NewExtendedInodeInfo(ino disk.InodeExtended) InodeInfo {
	return InodeInfo{extended: &ino}
}

// IsExtended reports whether the inode uses the 64-byte record.
func (i InodeInfo) IsExtended() bool {
	return i.extended != nil
}

// Ino returns the inode serial number stored on disk.
func (i InodeInfo) Ino() uint32 {
	if i.extended != nil {
		return i.extended.Inode
	}
	return i.compact.Inode
}

func (i InodeInfo) Format() Format {
	if i.extended != nil {
		return Format(i.extended.Format)
	}
	return Format(i.compact.Format)
}

// FileSize returns the size of the inode content in bytes.
func (i InodeInfo) FileSize() uint64 {
	if i.extended != nil {
		return i.extended.Size
	}
	return uint64(i.compact.Size)
}

// InodeSize returns the size of the on-disk record, 32 or 64 bytes.
func (i InodeInfo) InodeSize() uint64 {
	if i.extended != nil {
		return disk.SizeInodeExtended
	}
	return disk.SizeInodeCompact
}

func (i InodeInfo) Mode() uint16 {
	if i.extended != nil {
		return i.extended.Mode
	}
	return i.compact.Mode
}

func (i InodeInfo) Nlink() uint32 {
	if i.extended != nil {
		return i.extended.Nlink
	}
	return uint32(i.compact.Nlink)
}

func (i InodeInfo) UID() uint32 {
	if i.extended != nil {
		return i.extended.UID
	}
	return uint32(i.compact.UID)
}

func (i InodeInfo) GID() uint32 {
	if i.extended != nil {
		return i.extended.GID
	}
	return uint32(i.compact.GID)
}

// Mtime returns the modification time. Compact inodes do not record one and
// report ok == false.
func (i InodeInfo) Mtime() (sec uint64, nsec uint32, ok bool) {
	if i.extended != nil {
		return i.extended.Mtime, i.extended.MtimeNs, true
	}
	return 0, 0, false
}

func (i InodeInfo) inodeData() uint32 {
	if i.extended != nil {
		return i.extended.InodeData
	}
	return i.compact.InodeData
}

// Rdev returns the device number of a character or block device inode.
func (i InodeInfo) Rdev() uint32 {
	switch i.InodeType() {
	case TypeCharacter, TypeBlock:
		return i.inodeData()
	}
	return 0
}

// Spec interprets i_u. Only directories, regular files and symlinks carry
// data mapping information, every other type yields SpecUnknown.
func (i InodeInfo) Spec() Spec {
	switch i.InodeType() {
	case TypeDirectory, TypeRegular, TypeLink:
	default:
		return Spec{Kind: SpecUnknown}
	}
	u := i.inodeData()
	switch i.Format().Layout() {
	case LayoutFlatPlain, LayoutFlatInline:
		return Spec{Kind: SpecRawBlk, Value: u}
	case LayoutCompressedFull, LayoutCompressedCompact:
		return Spec{Kind: SpecCompressedBlocks, Value: u}
	case LayoutChunk:
		return Spec{Kind: SpecChunk, Value: u & 0xffff}
	}
	return Spec{Kind: SpecUnknown}
}

// InodeType returns the file type encoded in i_mode.
func (i InodeInfo) InodeType() Type {
	switch uint32(i.Mode()) & disk.S_IFMT {
	case disk.S_IFDIR:
		return TypeDirectory
	case disk.S_IFREG:
		return TypeRegular
	case disk.S_IFLNK:
		return TypeLink
	case disk.S_IFIFO:
		return TypeFifo
	case disk.S_IFSOCK:
		return TypeSocket
	case disk.S_IFBLK:
		return TypeBlock
	case disk.S_IFCHR:
		return TypeCharacter
	}
	return TypeUnknown
}

// XattrCount returns the raw i_xattr_icount.
func (i InodeInfo) XattrCount() uint16 {
	if i.extended != nil {
		return i.extended.XattrCount
	}
	return i.compact.XattrCount
}

// XattrSize returns the size of the xattr region following the inode
// record: the 12-byte header plus (icount-1) 4-byte slots.
func (i InodeInfo) XattrSize() uint64 {
	count := i.XattrCount()
	if count == 0 {
		return 0
	}
	return disk.SizeXattrBodyHeader + 4*(uint64(count)-1)
}

// Inode is a decoded inode with the xattr shared entries it references.
// It holds no host state; hosts wrap it and look it up by Nid.
type Inode struct {
	Nid    uint64
	Info   InodeInfo
	Shared XattrSharedEntries
}

// InodeCollection is an identity map of inodes owned by the host.
type InodeCollection interface {
	// Iget returns the inode for nid, decoding it through fs if it is
	// not known yet.
	Iget(nid uint64, fs *FileSystem) (*Inode, error)
}

// InodeMap is an InodeCollection backed by a map. Inodes are never evicted.
type InodeMap struct {
	mu     sync.Mutex
	inodes map[uint64]*Inode
}

// NewInodeMap returns an empty InodeMap.
func NewInodeMap() *InodeMap {
	return &InodeMap{inodes: make(map[uint64]*Inode)}
}

func (m *InodeMap) Iget(nid uint64, fs *FileSystem) (*Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inode, ok := m.inodes[nid]; ok {
		return inode, nil
	}
	inode, err := fs.ReadInode(nid)
	if err != nil {
		return nil, err
	}
	m.inodes[nid] = inode
	return inode, nil
}

// Len returns the number of cached inodes.
func (m *InodeMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inodes)
}

// ReadInodeInfo decodes the inode record identified by nid.
func (f *FileSystem) ReadInodeInfo(nid uint64) (InodeInfo, error) {
	var ino [disk.SizeInodeExtended]byte
	off := f.sb.Iloc(nid)
	if _, err := f.backend.Fill(ino[:disk.SizeInodeCompact], off); err != nil {
		return InodeInfo{}, fmt.Errorf("read inode %d: %w", nid, err)
	}
	format := Format(binary.LittleEndian.Uint16(ino[:2]))

	var info InodeInfo
	if format.Version() == VersionCompact {
		var inode disk.InodeCompact
		if _, err := binary.Decode(ino[:disk.SizeInodeCompact], binary.LittleEndian, &inode); err != nil {
			return InodeInfo{}, err
		}
		info = NewCompactInodeInfo(inode)
	} else {
		if _, err := f.backend.Fill(ino[disk.SizeInodeCompact:], off+disk.SizeInodeCompact); err != nil {
			return InodeInfo{}, fmt.Errorf("read extended inode %d: %w", nid, err)
		}
		var inode disk.InodeExtended
		if _, err := binary.Decode(ino[:], binary.LittleEndian, &inode); err != nil {
			return InodeInfo{}, err
		}
		info = NewExtendedInodeInfo(inode)
	}

	if layout := format.Layout(); layout == LayoutUnknown {
		return InodeInfo{}, f.corrupted("unknown inode data layout",
			slog.Uint64("nid", nid), slog.Int("format", int(format)))
	}
	if info.InodeType() == TypeUnknown {
		return InodeInfo{}, f.corrupted("unknown inode type",
			slog.Uint64("nid", nid), slog.Int("mode", int(info.Mode())))
	}
	return info, nil
}

// ReadInode decodes the inode identified by nid together with its shared
// xattr entries.
func (f *FileSystem) ReadInode(nid uint64) (*Inode, error) {
	info, err := f.ReadInodeInfo(nid)
	if err != nil {
		return nil, err
	}
	shared, err := f.ReadInodeXattrsSharedEntries(nid, info)
	if err != nil {
		return nil, err
	}
	return &Inode{Nid: nid, Info: info, Shared: shared}, nil
}

// ReadInode returns the inode for nid from the host collection.
func ReadInode(c InodeCollection, f *FileSystem, nid uint64) (*Inode, error) {
	return c.Iget(nid, f)
}

// DirLookup resolves name in dir and returns the child from the host
// collection. A missing name is ENOENT.
func DirLookup(c InodeCollection, f *FileSystem, dir *Inode, name string) (*Inode, error) {
	nid, ok, err := f.FindNid(dir, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lookup %q in nid %d: %w", name, dir.Nid, ErrNotFound)
	}
	return c.Iget(nid, f)
}
