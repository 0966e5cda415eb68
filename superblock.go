package erofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"

	"github.com/erofs/go-erofs/internal/disk"
)

// SuperBlock is the decoded on-disk superblock together with the address
// arithmetic derived from its block size.
type SuperBlock struct {
	disk.SuperBlock
}

// DecodeSuperBlock decodes the 128-byte on-disk superblock. The buffer must
// hold exactly one superblock.
func DecodeSuperBlock(b []byte) (*SuperBlock, error) {
	if len(b) != disk.SizeSuperBlock {
		return nil, fmt.Errorf("invalid super block: got %d bytes, want %d: %w", len(b), disk.SizeSuperBlock, ErrInvalid)
	}
	var sb SuperBlock
	if err := decodeSuperBlock(b, &sb.SuperBlock); err != nil {
		return nil, err
	}
	return &sb, nil
}

func decodeSuperBlock(b []byte, sb *disk.SuperBlock) error {
	n, err := binary.Decode(b, binary.LittleEndian, sb)
	if err != nil {
		return err
	}
	if n != disk.SizeSuperBlock {
		return fmt.Errorf("invalid super block: decoded %d bytes", n)
	}
	if sb.MagicNumber != disk.MagicNumber {
		return fmt.Errorf("invalid super block: invalid magic number %x: %w", sb.MagicNumber, ErrInvalid)
	}
	if sb.BlkSizeBits < disk.MinBlkSizeBits || sb.BlkSizeBits > disk.MaxBlkSizeBits {
		return fmt.Errorf("invalid super block: unsupported block size bits %d: %w", sb.BlkSizeBits, ErrInvalid)
	}
	if unknown := sb.FeatureIncompat &^ disk.FeatureIncompatAll; unknown != 0 {
		return fmt.Errorf("invalid super block: unsupported incompatible features %#x: %w", unknown, ErrUnsupported)
	}
	return nil
}

// BlkAccess decomposes address against the block size.
func (sb *SuperBlock) BlkAccess(address uint64) Accessor {
	return NewAccessor(address, uint64(sb.BlkSizeBits))
}

// Blknr returns the block number containing pos.
func (sb *SuperBlock) Blknr(pos uint64) uint32 {
	return uint32(pos >> sb.BlkSizeBits)
}

// Blkpos returns the byte offset of block blk.
func (sb *SuperBlock) Blkpos(blk uint32) uint64 {
	return uint64(blk) << sb.BlkSizeBits
}

// Blksz returns the block size in bytes.
func (sb *SuperBlock) Blksz() uint64 {
	return 1 << sb.BlkSizeBits
}

// BlkRoundUp returns the number of blocks needed to hold addr bytes.
func (sb *SuperBlock) BlkRoundUp(addr uint64) uint32 {
	return uint32((addr + sb.Blksz() - 1) >> sb.BlkSizeBits)
}

// Iloc returns the byte offset of the inode record identified by nid.
func (sb *SuperBlock) Iloc(nid uint64) uint64 {
	return sb.Blkpos(sb.MetaBlkAddr) + nid<<disk.InodeSlotBits
}

// ChunkAccess decomposes address against the chunk size of format.
func (sb *SuperBlock) ChunkAccess(format ChunkFormat, address uint64) Accessor {
	chunkBits := uint64(format.ChunkBits()) + uint64(sb.BlkSizeBits)
	return NewAccessor(address, chunkBits)
}

// UUID returns the volume uuid.
func (sb *SuperBlock) UUID() uuid.UUID {
	return uuid.UUID(sb.SuperBlock.UUID)
}

// VolumeName returns the volume label with trailing NUL bytes removed.
func (sb *SuperBlock) VolumeName() string {
	return strings.TrimRight(string(sb.SuperBlock.VolumeName[:]), "\x00")
}

// HasFeatureCompat reports whether all bits of f are set in the compatible
// feature flags.
func (sb *SuperBlock) HasFeatureCompat(f uint32) bool {
	return sb.FeatureCompat&f == f
}

// HasFeatureIncompat reports whether all bits of f are set in the
// incompatible feature flags.
func (sb *SuperBlock) HasFeatureIncompat(f uint32) bool {
	return sb.FeatureIncompat&f == f
}

// checksumLen returns the number of bytes, starting at the superblock, that
// are covered by the superblock checksum: one block, less the superblock
// offset when the superblock lives inside block 0.
func (sb *SuperBlock) checksumLen() uint64 {
	if sb.Blksz() > disk.SuperBlockOffset {
		return sb.Blksz() - disk.SuperBlockOffset
	}
	return sb.Blksz()
}

// verifyChecksum checks the CRC32C of the superblock block. b starts at the
// superblock and spans checksumLen bytes.
func (sb *SuperBlock) verifyChecksum(b []byte) error {
	if !sb.HasFeatureCompat(disk.FeatureCompatSbChksum) {
		return nil
	}
	if uint64(len(b)) < sb.checksumLen() {
		return fmt.Errorf("super block checksum: short block of %d bytes: %w", len(b), ErrCorrupted)
	}
	got := superBlockChecksum(b[:sb.checksumLen()])
	if got != sb.Checksum {
		return fmt.Errorf("super block checksum: invalid checksum %#x, expected %#x: %w", got, sb.Checksum, ErrCorrupted)
	}
	return nil
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// rawCRC32C is CRC32C seeded with ~0 and without the final inversion.
func rawCRC32C(b []byte) uint32 {
	return ^crc32.Update(0, castagnoli, b)
}

// superBlockChecksum computes the raw CRC32C of b with the checksum field
// treated as zero.
func superBlockChecksum(b []byte) uint32 {
	zeroed := bytes.Clone(b)
	binary.LittleEndian.PutUint32(zeroed[4:8], 0)
	return rawCRC32C(zeroed)
}

var compatFeatureNames = []struct {
	bit  uint32
	name string
}{
	{disk.FeatureCompatSbChksum, "sb_csum"},
	{disk.FeatureCompatMtime, "mtime"},
	{disk.FeatureCompatXattrFilter, "xattr_filter"},
}

var incompatFeatureNames = []struct {
	bit  uint32
	name string
}{
	{disk.FeatureIncompatZeroPadding, "0padding"},
	{disk.FeatureIncompatComprCfgs, "compr_cfgs"},
	{disk.FeatureIncompatChunkedFile, "chunked_file"},
	{disk.FeatureIncompatDeviceTable, "device_table"},
	{disk.FeatureIncompatZtailpacking, "ztailpacking"},
	{disk.FeatureIncompatFragments, "fragments"},
	{disk.FeatureIncompatXattrPrefixes, "xattr_prefixes"},
}

// Features returns the names of the compatible and incompatible features
// set in the superblock.
func (sb *SuperBlock) Features() (compat, incompat []string) {
	for _, f := range compatFeatureNames {
		if sb.FeatureCompat&f.bit != 0 {
			compat = append(compat, f.name)
		}
	}
	for _, f := range incompatFeatureNames {
		if sb.FeatureIncompat&f.bit != 0 {
			incompat = append(incompat, f.name)
		}
	}
	return compat, incompat
}
