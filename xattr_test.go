package erofs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erofs/go-erofs/internal/erofstest"
)

func xattrTree() *erofstest.Node {
	f := erofstest.File("f", []byte("data that is stored inline"))
	f.Xattrs = []erofstest.Xattr{
		{Index: 1, Name: "comment", Value: []byte("hello")},
		{Index: 6, Name: "selinux", Value: []byte("system_u:object_r:etc_t:s0")},
		{Index: 0, Long: true, Name: "opaque", Value: []byte("y")},
		{Index: 5, Name: "hidden", Value: []byte("reserved")},
	}
	f.SharedXattrs = []erofstest.Xattr{
		{Index: 1, Name: "shared", Value: []byte("common value")},
		{Index: 4, Name: "md5", Value: []byte("0123456789abcdef")},
	}
	plain := erofstest.File("plain", []byte("no xattrs"))
	return erofstest.Dir("", f, plain)
}

var xattrPrefixOpts = []erofstest.Prefix{{Base: 4, Infix: "overlay."}}

func getXattr(t testing.TB, fsys *FileSystem, inode *Inode, index uint8, name string) []byte {
	t.Helper()
	n, err := fsys.GetXattr(inode, index, name, nil)
	require.NoError(t, err)
	buf := make([]byte, n)
	m, err := fsys.GetXattr(inode, index, name, buf)
	require.NoError(t, err)
	require.Equal(t, n, m)
	return buf
}

func TestGetXattr(t *testing.T) {
	for _, packed := range []bool{false, true} {
		fsys, img := newTestFS(t, xattrTree(), erofstest.Options{
			Prefixes:       xattrPrefixOpts,
			PackedPrefixes: packed,
		})
		require.Equal(t, []XattrInfix{XattrInfix("\x04overlay.")}, fsys.XattrInfixes())
		inode := mustInode(t, fsys, img.Nid("/f"))
		require.Len(t, inode.Shared.SharedIndexes, 2)

		assert.Equal(t, "hello", string(getXattr(t, fsys, inode, 1, "comment")))
		assert.Equal(t, "system_u:object_r:etc_t:s0", string(getXattr(t, fsys, inode, 6, "selinux")))
		assert.Equal(t, "y", string(getXattr(t, fsys, inode, 4, "overlay.opaque")))
		assert.Equal(t, "common value", string(getXattr(t, fsys, inode, 1, "shared")))
		assert.Equal(t, "0123456789abcdef", string(getXattr(t, fsys, inode, 4, "md5")))

		_, err := fsys.GetXattr(inode, 1, "missing", nil)
		assert.ErrorIs(t, err, ErrNoData)
		_, err = fsys.GetXattr(inode, 4, "comment", nil)
		assert.ErrorIs(t, err, ErrNoData)
		_, err = fsys.GetXattr(inode, 4, "opaque", nil)
		assert.ErrorIs(t, err, ErrNoData)
		_, err = fsys.GetXattr(inode, 1, "comment", make([]byte, 2))
		assert.ErrorIs(t, err, ErrRange)

		_, err = fsys.GetXattr(mustInode(t, fsys, img.Nid("/plain")), 1, "comment", nil)
		assert.ErrorIs(t, err, ErrNoData)
	}
}

func TestListXattrs(t *testing.T) {
	fsys, img := newTestFS(t, xattrTree(), erofstest.Options{Prefixes: xattrPrefixOpts})
	inode := mustInode(t, fsys, img.Nid("/f"))

	want := "user.comment\x00security.selinux\x00trusted.overlay.opaque\x00user.shared\x00trusted.md5\x00"
	n, err := fsys.ListXattrs(inode, nil)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	buf := make([]byte, n)
	n, err = fsys.ListXattrs(inode, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf[:n]))

	_, err = fsys.ListXattrs(inode, make([]byte, 10))
	assert.ErrorIs(t, err, ErrRange)

	n, err = fsys.ListXattrs(mustInode(t, fsys, img.Nid("/plain")), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestXattrInlineData(t *testing.T) {
	// The inline tail follows the xattr region.
	fsys, img := newTestFS(t, xattrTree(), erofstest.Options{Prefixes: xattrPrefixOpts})
	inode := mustInode(t, fsys, img.Nid("/f"))
	p := make([]byte, inode.Info.FileSize())
	_, err := fsys.ReadAt(inode, p, 0)
	require.NoError(t, err)
	assert.Equal(t, "data that is stored inline", string(p))
}

func TestXattrLongPrefixOutOfRange(t *testing.T) {
	fsys, img := newTestFS(t, xattrTree(), erofstest.Options{})
	inode := mustInode(t, fsys, img.Nid("/f"))

	_, err := fsys.GetXattr(inode, 4, "overlay.opaque", nil)
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = fsys.ListXattrs(inode, nil)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestParseXattrName(t *testing.T) {
	for _, tc := range []struct {
		name   string
		index  uint8
		suffix string
		ok     bool
	}{
		{"user.foo", 1, "foo", true},
		{"user.", 1, "", true},
		{"trusted.overlay.opaque", 4, "overlay.opaque", true},
		{"security.selinux", 6, "selinux", true},
		{"system.posix_acl_access", 2, "", true},
		{"system.posix_acl_default", 3, "", true},
		{"system.posix_acl_accessx", 0, "", false},
		{"foo.bar", 0, "", false},
		{"", 0, "", false},
	} {
		index, suffix, ok := ParseXattrName(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.index, index, tc.name)
		assert.Equal(t, tc.suffix, suffix, tc.name)
	}
	assert.Equal(t, "user.", XattrPrefix(1))
	assert.Equal(t, "", XattrPrefix(5))
	assert.Equal(t, "", XattrPrefix(42))
}

func TestXattrNameIndex(t *testing.T) {
	assert.False(t, XattrNameIndex(6).IsLong())
	assert.Equal(t, uint8(6), XattrNameIndex(6).Index())
	assert.True(t, XattrNameIndex(0x83).IsLong())
	assert.Equal(t, uint8(3), XattrNameIndex(0x83).Index())

	infix := XattrInfix("\x04overlay.")
	assert.Equal(t, uint8(4), infix.PrefixIndex())
	assert.Equal(t, "overlay.", string(infix.Name()))
}
