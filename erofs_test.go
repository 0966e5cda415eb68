package erofs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erofs/go-erofs/internal/disk"
	"github.com/erofs/go-erofs/internal/erofstest"
)

func basicTree() *erofstest.Node {
	var lots []*erofstest.Node
	for i := range 5000 {
		lots = append(lots, erofstest.File(fmt.Sprintf("file-%05d", i), nil))
	}
	return erofstest.Dir("",
		erofstest.File("in-root.txt", []byte("root file content\n")),
		erofstest.Dir("usr", erofstest.Dir("lib", erofstest.Dir("testdir",
			erofstest.File("emptyfile", nil),
			erofstest.File("13k-zeros.raw", make([]byte, 1024*13)),
			erofstest.File("16k-zeros.raw", make([]byte, 1024*16)),
			erofstest.File("5k-sequence.raw", bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 128*5)),
			erofstest.File("16k-sequence.raw", bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 128*16)),
			erofstest.Dir("emptydir"),
			erofstest.Dir("lotsoffiles", lots...),
			erofstest.Dir("case", erofstest.File("file.txt", []byte("lower case dir\n"))),
			erofstest.Dir("CASE", erofstest.File("file.txt", []byte("upper case dir\n"))),
			erofstest.File("case.txt", []byte("lower case file\n")),
			erofstest.File("CASE.txt", []byte("upper case file\n")),
			erofstest.Symlink("link", "case.txt"),
		))),
	)
}

func TestBasic(t *testing.T) {
	fs, err := EroFS(loadTestFile(t, basicTree(), erofstest.Options{BuildTime: 1700000000}))
	if err != nil {
		t.Fatal(err)
	}

	checkFileString(t, fs, "/in-root.txt", "root file content\n")
	checkFileString(t, fs, "/usr/lib/testdir/emptyfile", "")
	checkFileBytes(t, fs, "/usr/lib/testdir/13k-zeros.raw", bytes.Repeat([]byte{0}, 1024*13))
	checkFileBytes(t, fs, "/usr/lib/testdir/16k-zeros.raw", bytes.Repeat([]byte{0}, 1024*16))
	checkFileBytes(t, fs, "/usr/lib/testdir/5k-sequence.raw", bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 128*5))
	checkFileBytes(t, fs, "/usr/lib/testdir/16k-sequence.raw", bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 128*16))
	checkDirectorySize(t, fs, "/usr/lib/testdir/emptydir", 0)
	checkDirectorySize(t, fs, "/usr/lib/testdir/lotsoffiles", 5000)
	checkNotExists(t, fs, "/not-exists.txt")
	checkNotExists(t, fs, "/not-exists/somefile")
	checkNotExists(t, fs, "/usr/lib/testdir/emptydir/somefile")
	checkFileString(t, fs, "/usr/lib/testdir/case/file.txt", "lower case dir\n")
	checkFileString(t, fs, "/usr/lib/testdir/CASE/file.txt", "upper case dir\n")
	checkFileString(t, fs, "/usr/lib/testdir/case.txt", "lower case file\n")
	checkFileString(t, fs, "/usr/lib/testdir/CASE.txt", "upper case file\n")
	checkFileString(t, fs, "usr/lib/testdir/case.txt", "lower case file\n")
}

func TestImageReadDir(t *testing.T) {
	img, err := Open(loadTestFile(t, basicTree(), erofstest.Options{}))
	require.NoError(t, err)

	entries, err := fs.ReadDir(img, "usr/lib/testdir")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"13k-zeros.raw", "16k-sequence.raw", "16k-zeros.raw", "5k-sequence.raw",
		"CASE", "CASE.txt", "case", "case.txt", "emptydir", "emptyfile", "link", "lotsoffiles",
	}, names)
	for _, e := range entries {
		switch e.Name() {
		case "case", "CASE", "emptydir", "lotsoffiles":
			assert.True(t, e.IsDir(), e.Name())
		case "link":
			assert.Equal(t, fs.ModeSymlink, e.Type())
		default:
			assert.Equal(t, fs.FileMode(0), e.Type(), e.Name())
		}
	}

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, int64(13*1024), info.Size())
}

func TestImageReadDirResume(t *testing.T) {
	img, err := Open(loadTestFile(t, basicTree(), erofstest.Options{}))
	require.NoError(t, err)

	f, err := img.Open("usr/lib/testdir/lotsoffiles")
	require.NoError(t, err)
	defer f.Close()
	d, ok := f.(fs.ReadDirFile)
	require.True(t, ok)

	seen := make(map[string]bool)
	for {
		batch, err := d.ReadDir(333)
		if errors.Is(err, io.EOF) {
			assert.Empty(t, batch)
			break
		}
		require.NoError(t, err)
		require.NotEmpty(t, batch)
		assert.LessOrEqual(t, len(batch), 333)
		for _, e := range batch {
			assert.False(t, seen[e.Name()], "duplicate %s", e.Name())
			seen[e.Name()] = true
		}
	}
	assert.Len(t, seen, 5000)

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrIsDir)
}

func TestImageStat(t *testing.T) {
	extended := erofstest.File("extended", []byte("x"))
	extended.Mtime, extended.MtimeNs = 1600000000, 5
	extended.UID = 1 << 20
	dev := &erofstest.Node{Name: "sda", Mode: disk.S_IFBLK | 0o660, Rdev: 0x0800}
	tree := erofstest.Dir("", erofstest.File("compact", []byte("abc")), extended, dev)
	img, err := Open(loadTestFile(t, tree, erofstest.Options{BuildTime: 1700000000, BuildTimeNs: 7}))
	require.NoError(t, err)

	fi, err := img.Stat("compact")
	require.NoError(t, err)
	assert.Equal(t, "compact", fi.Name())
	assert.Equal(t, int64(3), fi.Size())
	assert.Equal(t, fs.FileMode(0o644), fi.Mode())
	assert.Equal(t, time.Unix(1700000000, 7), fi.ModTime())
	st, ok := fi.Sys().(*Stat)
	require.True(t, ok)
	assert.Equal(t, int8(LayoutFlatInline), st.InodeLayout)
	assert.Equal(t, 1, st.Nlink)
	assert.NotZero(t, st.Nid)

	fi, err = img.Stat("/extended")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1600000000, 5), fi.ModTime())
	assert.Equal(t, uint32(1<<20), fi.Sys().(*Stat).UID)

	fi, err = img.Stat("sda")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeDevice|0o660, fi.Mode())
	assert.Equal(t, uint32(0x0800), fi.Sys().(*Stat).Rdev)

	fi, err = img.Stat("/")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, ".", fi.Name())

	_, err = img.Stat("compact/child")
	assert.ErrorIs(t, err, ErrNotDir)
	_, err = img.Stat("../escape")
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestImageFileSeek(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	img, err := Open(loadTestFile(t, erofstest.Dir("", erofstest.File("f", data)), erofstest.Options{}))
	require.NoError(t, err)

	f, err := img.Open("f")
	require.NoError(t, err)
	defer f.Close()
	rs, ok := f.(io.ReadSeeker)
	require.True(t, ok)

	pos, err := rs.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-5), pos)
	rest, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(rest))

	_, err = rs.Seek(4090, io.SeekStart)
	require.NoError(t, err)
	_, err = rs.Seek(3, io.SeekCurrent)
	require.NoError(t, err)
	p := make([]byte, 10)
	_, err = io.ReadFull(rs, p)
	require.NoError(t, err)
	assert.Equal(t, data[4093:4103], p)

	_, err = rs.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	ra, ok := f.(io.ReaderAt)
	require.True(t, ok)
	n, err := ra.ReadAt(p, 8000)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[8000:8010], p)
}

func TestImageReadLink(t *testing.T) {
	img, err := Open(loadTestFile(t, basicTree(), erofstest.Options{}))
	require.NoError(t, err)

	target, err := img.ReadLink("usr/lib/testdir/link")
	require.NoError(t, err)
	assert.Equal(t, "case.txt", target)

	_, err = img.ReadLink("in-root.txt")
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestImageXattrs(t *testing.T) {
	img, err := Open(loadTestFile(t, xattrTree(), erofstest.Options{Prefixes: xattrPrefixOpts}))
	require.NoError(t, err)

	value, err := img.Getxattr("f", "user.comment")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(value))

	value, err = img.Getxattr("f", "trusted.overlay.opaque")
	require.NoError(t, err)
	assert.Equal(t, "y", string(value))

	_, err = img.Getxattr("f", "user.missing")
	assert.ErrorIs(t, err, ErrNoData)
	_, err = img.Getxattr("f", "bogus")
	assert.ErrorIs(t, err, ErrNoData)

	names, err := img.Listxattr("f")
	require.NoError(t, err)
	assert.Equal(t, []string{"user.comment", "security.selinux", "trusted.overlay.opaque", "user.shared", "trusted.md5"}, names)

	names, err = img.Listxattr("plain")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func loadTestFile(t testing.TB, root *erofstest.Node, opts erofstest.Options) io.ReaderAt {
	t.Helper()
	img, err := erofstest.Build(root, opts)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(img.Data)
}

func checkFileString(t testing.TB, fsys fs.FS, name, content string) {
	t.Helper()

	f, err := fsys.Open(name)
	if err != nil {
		t.Error(err)
		return
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		t.Error(err)
		return
	}

	actual := string(b)
	if actual != content {
		t.Errorf("Unexpected content in %s\n\tActual:   %q\n\tExpected: %q", name, actual, content)
	}
}

func checkFileBytes(t testing.TB, fsys fs.FS, name string, content []byte) {
	t.Helper()

	f, err := fsys.Open(name)
	if err != nil {
		t.Error(err)
		return
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		t.Error(err)
		return
	}

	if !bytes.Equal(b, content) {
		if len(b) != len(content) {
			t.Logf("Unexpected content in %s\n\tActual Len: %d\n\tExpected Len: %d", name, len(b), len(content))
		} else if len(b) < 8192 {
			t.Logf("Unexpected content in %s\n\tActual:   %x\n\tExpected: %x", name, b, content)
		} else {
			t.Logf("Unexpected content in %s\n\tActual:   %x...%x\n\tExpected: %x...%x", name, b[:4096], b[len(b)-4096:], content[:4096], content[len(content)-4096:])
		}
		t.Fail()
	}
}

func checkDirectorySize(t testing.TB, fsys fs.FS, name string, n int) {
	t.Helper()

	entries, err := fs.ReadDir(fsys, name)
	if err != nil {
		t.Error(err)
	}
	if len(entries) != n {
		t.Errorf("Unexpected directory entries in %s: Got %d, expected %d", name, len(entries), n)
	}
}

func checkNotExists(t testing.TB, fsys fs.FS, name string) {
	t.Helper()

	_, err := fsys.Open(name)
	if err == nil {
		t.Errorf("expected error opening %s", name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not exist error opening %s, got %v", name, err)
	}
}
