package erofs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erofs/go-erofs/internal/disk"
	"github.com/erofs/go-erofs/internal/erofstest"
)

func encodeSuperBlock(t testing.TB, sb disk.SuperBlock) []byte {
	t.Helper()
	b := make([]byte, disk.SizeSuperBlock)
	_, err := binary.Encode(b, binary.LittleEndian, &sb)
	require.NoError(t, err)
	return b
}

func TestDecodeSuperBlock(t *testing.T) {
	valid := disk.SuperBlock{
		MagicNumber: disk.MagicNumber,
		BlkSizeBits: 12,
		RootNid:     36,
		MetaBlkAddr: 1,
	}

	sb, err := DecodeSuperBlock(encodeSuperBlock(t, valid))
	require.NoError(t, err)
	assert.Equal(t, uint16(36), sb.RootNid)

	for _, tc := range []struct {
		name   string
		modify func(*disk.SuperBlock)
		err    error
	}{
		{"bad magic", func(sb *disk.SuperBlock) { sb.MagicNumber = 0x12345678 }, ErrInvalid},
		{"block too small", func(sb *disk.SuperBlock) { sb.BlkSizeBits = 8 }, ErrInvalid},
		{"block too large", func(sb *disk.SuperBlock) { sb.BlkSizeBits = 17 }, ErrInvalid},
		{"unknown incompat", func(sb *disk.SuperBlock) { sb.FeatureIncompat = 0x1000 }, ErrUnsupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sb := valid
			tc.modify(&sb)
			_, err := DecodeSuperBlock(encodeSuperBlock(t, sb))
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err = DecodeSuperBlock(make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSuperBlockAddressing(t *testing.T) {
	sb := &SuperBlock{disk.SuperBlock{BlkSizeBits: 12, MetaBlkAddr: 1}}

	assert.Equal(t, uint64(4096), sb.Blksz())
	assert.Equal(t, uint32(0), sb.Blknr(4095))
	assert.Equal(t, uint32(1), sb.Blknr(4096))
	assert.Equal(t, uint64(12288), sb.Blkpos(3))

	for _, tc := range []struct {
		addr uint64
		want uint32
	}{
		{0, 0}, {1, 1}, {4096, 1}, {4097, 2}, {8192, 2},
	} {
		assert.Equal(t, tc.want, sb.BlkRoundUp(tc.addr), "BlkRoundUp(%d)", tc.addr)
	}

	assert.Equal(t, uint64(4096), sb.Iloc(0))
	assert.Equal(t, uint64(4096+96), sb.Iloc(3))

	assert.Equal(t, Accessor{Base: 4096, Off: 904, Len: 3192, Nr: 1}, sb.BlkAccess(5000))
	assert.Equal(t, Accessor{Base: 8192, Off: 1808, Len: 6384, Nr: 1}, sb.ChunkAccess(ChunkFormat(1), 10000))
	assert.Equal(t, Accessor{Base: 0, Off: 10000, Len: 6384, Nr: 0}, sb.ChunkAccess(ChunkFormat(2|disk.LayoutChunkFormatIndexes), 10000))
}

func TestSuperBlockFeatures(t *testing.T) {
	sb := &SuperBlock{disk.SuperBlock{
		FeatureCompat:   disk.FeatureCompatSbChksum | disk.FeatureCompatMtime,
		FeatureIncompat: disk.FeatureIncompatChunkedFile,
	}}
	assert.True(t, sb.HasFeatureCompat(disk.FeatureCompatSbChksum))
	assert.False(t, sb.HasFeatureCompat(disk.FeatureCompatXattrFilter))
	assert.True(t, sb.HasFeatureIncompat(disk.FeatureIncompatChunkedFile))
	assert.False(t, sb.HasFeatureIncompat(disk.FeatureIncompatDeviceTable))

	compat, incompat := sb.Features()
	assert.Equal(t, []string{"sb_csum", "mtime"}, compat)
	assert.Equal(t, []string{"chunked_file"}, incompat)
}

func TestSuperBlockChecksumLen(t *testing.T) {
	for _, tc := range []struct {
		bits uint8
		want uint64
	}{
		{9, 512}, {10, 1024}, {11, 1024}, {12, 3072}, {16, 65536 - 1024},
	} {
		sb := &SuperBlock{disk.SuperBlock{BlkSizeBits: tc.bits}}
		assert.Equal(t, tc.want, sb.checksumLen(), "block size bits %d", tc.bits)
	}
}

func TestSuperBlockChecksum(t *testing.T) {
	// The checksum field itself is not covered.
	b := append([]byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}, "123456789"...)
	zeroed := append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, "123456789"...)
	assert.Equal(t, superBlockChecksum(zeroed), superBlockChecksum(b))
	assert.Equal(t, erofstest.Checksum(b), superBlockChecksum(b))
	assert.NotEqual(t, superBlockChecksum(b), superBlockChecksum(append(b, 0)))

}

func TestRawCRC32C(t *testing.T) {
	assert.Equal(t, uint32(0x1cf96d7c), rawCRC32C([]byte("123456789")))
	assert.Equal(t, uint32(0xffffffff), rawCRC32C(nil))
}
