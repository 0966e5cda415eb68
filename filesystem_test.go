package erofs

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erofs/go-erofs/internal/erofstest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildImage(t testing.TB, root *erofstest.Node, opts erofstest.Options) *erofstest.Image {
	t.Helper()
	img, err := erofstest.Build(root, opts)
	require.NoError(t, err)
	return img
}

func openData(t testing.TB, data []byte, opts ...Option) (*FileSystem, error) {
	t.Helper()
	return New(NewUncompressedBackend(NewMemorySource(data)), append([]Option{WithLogger(discardLogger())}, opts...)...)
}

func newTestFS(t testing.TB, root *erofstest.Node, opts erofstest.Options, fsOpts ...Option) (*FileSystem, *erofstest.Image) {
	t.Helper()
	img := buildImage(t, root, opts)
	fsys, err := openData(t, img.Data, fsOpts...)
	require.NoError(t, err)
	return fsys, img
}

func mustInode(t testing.TB, fsys *FileSystem, nid uint64) *Inode {
	t.Helper()
	inode, err := fsys.ReadInode(nid)
	require.NoError(t, err)
	return inode
}

func TestNew(t *testing.T) {
	uuid := [16]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	fsys, img := newTestFS(t, erofstest.Dir("", erofstest.File("a", []byte("a"))), erofstest.Options{
		UUID:       uuid,
		VolumeName: "testvol",
		BuildTime:  1700000000,
	})

	sb := fsys.SuperBlock()
	assert.Equal(t, img.SuperBlock.RootNid, sb.RootNid)
	assert.Equal(t, uint64(4096), sb.Blksz())
	assert.Equal(t, "testvol", sb.VolumeName())
	assert.Equal(t, "deadbeef-0102-0304-0506-0708090a0b0c", sb.UUID().String())
	assert.Equal(t, uint64(1700000000), sb.BuildTime)
	assert.Empty(t, fsys.DeviceInfo().Specs)
	assert.Empty(t, fsys.XattrInfixes())
	assert.NotNil(t, fsys.Backend())
}

func TestNewOptions(t *testing.T) {
	img := buildImage(t, erofstest.Dir(""), erofstest.Options{})

	_, err := openData(t, img.Data, WithLogger(nil))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = openData(t, img.Data, WithDevice(0, NewUncompressedBackend(NewMemorySource(img.Data))))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestNewChecksum(t *testing.T) {
	for _, bits := range []uint8{9, 10, 12} {
		img := buildImage(t, erofstest.Dir("", erofstest.File("a", []byte("content"))), erofstest.Options{
			BlkSizeBits: bits,
			Checksum:    true,
		})
		_, err := openData(t, img.Data)
		require.NoError(t, err, "block size bits %d", bits)

		// Any byte covered by the checksum invalidates it.
		corrupt := append([]byte(nil), img.Data...)
		corrupt[1024+100] ^= 0xff
		_, err = openData(t, corrupt)
		assert.ErrorIs(t, err, ErrCorrupted, "block size bits %d", bits)

		// Padding after the superblock is covered too, up to the end of
		// the block holding it.
		corrupt = append([]byte(nil), img.Data...)
		corrupt[1024+400] ^= 0xff
		_, err = openData(t, corrupt)
		assert.ErrorIs(t, err, ErrCorrupted, "block size bits %d", bits)
	}
}

func TestNewShortImage(t *testing.T) {
	_, err := openData(t, make([]byte, 1100))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = openData(t, make([]byte, 4096))
	assert.ErrorIs(t, err, ErrInvalid)
}
