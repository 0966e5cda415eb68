package disk

const (
	MagicNumber      = 0xe0f5e1e2
	SuperBlockOffset = 1024

	SizeSuperBlock      = 128
	SizeInodeCompact    = 32
	SizeInodeExtended   = 64
	SizeDirent          = 12
	SizeXattrBodyHeader = 12
	SizeXattrEntry      = 4
	SizeChunkIndex      = 8
	SizeBlockMapEntry   = 4
	SizeDeviceSlot      = 128

	InodeSlotBits = 5
	MaxNameLen    = 255

	MinBlkSizeBits = 9
	MaxBlkSizeBits = 16

	LayoutFlatPlain         = 0
	LayoutCompressedFull    = 1
	LayoutFlatInline        = 2
	LayoutCompressedCompact = 3
	LayoutChunkBased        = 4

	InodeVersionMask = 0x01
	InodeVersionBit  = 0
	InodeLayoutMask  = 0x07
	InodeLayoutBit   = 1

	LayoutChunkFormatBits    = 0x001F
	LayoutChunkFormatIndexes = 0x0020

	// NullAddr marks an unmapped chunk.
	NullAddr = 0xffffffff

	XattrLongPrefix     = 0x80
	XattrLongPrefixMask = 0x7f
)

// Compatible feature flags.
const (
	FeatureCompatSbChksum    = 0x00000001
	FeatureCompatMtime       = 0x00000002
	FeatureCompatXattrFilter = 0x00000004
)

// Incompatible feature flags.
const (
	FeatureIncompatZeroPadding   = 0x00000001
	FeatureIncompatComprCfgs     = 0x00000002
	FeatureIncompatBigPcluster   = 0x00000002
	FeatureIncompatChunkedFile   = 0x00000004
	FeatureIncompatDeviceTable   = 0x00000008
	FeatureIncompatComprHead2    = 0x00000008
	FeatureIncompatZtailpacking  = 0x00000010
	FeatureIncompatFragments     = 0x00000020
	FeatureIncompatDedupe        = 0x00000020
	FeatureIncompatXattrPrefixes = 0x00000040

	FeatureIncompatAll = FeatureIncompatZeroPadding |
		FeatureIncompatComprCfgs |
		FeatureIncompatChunkedFile |
		FeatureIncompatDeviceTable |
		FeatureIncompatZtailpacking |
		FeatureIncompatFragments |
		FeatureIncompatXattrPrefixes
)

// SuperBlock represents the EROFS on-disk superblock.
// See: https://docs.kernel.org/filesystems/erofs.html#on-disk-layout
type SuperBlock struct {
	MagicNumber      uint32
	Checksum         uint32
	FeatureCompat    uint32
	BlkSizeBits      uint8
	ExtSlots         uint8
	RootNid          uint16
	Inos             uint64
	BuildTime        uint64
	BuildTimeNs      uint32
	Blocks           uint32
	MetaBlkAddr      uint32
	XattrBlkAddr     uint32
	UUID             [16]uint8
	VolumeName       [16]uint8
	FeatureIncompat  uint32
	ComprAlgs        uint16
	ExtraDevices     uint16
	DevtSlotOff      uint16
	DirBlkBits       uint8
	XattrPrefixCount uint8
	XattrPrefixStart uint32
	PackedNid        uint64 // Nid of the special "packed" inode for shared data/prefixes
	XattrFilterRes   uint8
	Reserved         [23]uint8
}

// InodeCompact represents the 32-byte on-disk compact inode.
type InodeCompact struct {
	Format     uint16 // i_format
	XattrCount uint16 // i_xattr_icount
	Mode       uint16 // i_mode
	Nlink      uint16 // i_nlink
	Size       uint32 // i_size
	Reserved   uint32 // i_reserved
	InodeData  uint32 // i_u (i_raw_blkaddr, i_rdev, etc.)
	Inode      uint32 // i_ino
	UID        uint16 // i_uid
	GID        uint16 // i_gid
	Reserved2  uint32 // i_reserved2
}

// InodeExtended represents the 64-byte on-disk extended inode.
type InodeExtended struct {
	Format     uint16 // i_format
	XattrCount uint16 // i_xattr_icount
	Mode       uint16 // i_mode
	Reserved   uint16 // i_reserved
	Size       uint64 // i_size
	InodeData  uint32 // i_u (i_raw_blkaddr, i_rdev, etc.)
	Inode      uint32 // i_ino
	UID        uint32 // i_uid
	GID        uint32 // i_gid
	Mtime      uint64 // i_mtime
	MtimeNs    uint32 // i_mtime_nsec
	Nlink      uint32 // i_nlink
	Reserved2  [16]uint8
}

type Dirent struct {
	Nid      uint64
	NameOff  uint16
	FileType uint8
	Reserved uint8
}

// XattrHeader is the header after an inode containing xattr information
//
// Original defintion:
// inline xattrs (n == i_xattr_icount):
// erofs_xattr_ibody_header(1) + (n - 1) * 4 bytes
//
//	12 bytes           /                   \
//	                  /                     \
//	                 /-----------------------\
//	                 |  erofs_xattr_entries+ |
//	                 +-----------------------+
//
// inline xattrs must starts in erofs_xattr_ibody_header,
// for read-only fs, no need to introduce h_refcount
// Actual name is prefix | long prefix (prefix + infix) + name
type XattrHeader struct {
	NameFilter  uint32 // bit value 1 indicate not-present
	SharedCount uint8
	Reserved    [7]uint8
}

type XattrEntry struct {
	NameLen   uint8  // length of name
	NameIndex uint8  // index of name in XattrHeader, 0x80 set indicates long prefix at index&0x7F + XattrPrefixStart
	ValueLen  uint16 // length of value
	// Name+Value
}

// ChunkIndex is one entry of the chunk table of a chunk-based inode
// using full chunk indexes.
type ChunkIndex struct {
	Advise   uint16 // always 0, don't care for now
	DeviceID uint16 // back-end storage id (with bits masked)
	BlkAddr  uint32 // start block address of this inode chunk
}

// DeviceSlot is one 128-byte record of the extra device table.
type DeviceSlot struct {
	Tag           [64]uint8 // digest(sha256), etc.
	Blocks        uint32    // total fs blocks of this device
	MappedBlkAddr uint32    // map starting at mapped_blkaddr
	Reserved      [56]uint8
}
