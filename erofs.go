package erofs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/erofs/go-erofs/internal/disk"
)

// Stat is returned by Sys() on the FileInfo of every file in an Image.
type Stat struct {
	InodeLayout  int8
	XattrCount   int16
	Mode         fs.FileMode
	Size         int64
	RawBlockAddr int32
	Inode        int64
	Nid          uint64
	UID          uint32
	GID          uint32
	Mtime        uint64
	MtimeNs      uint32
	Nlink        int
	Rdev         uint32
}

// EroFS returns a FileSystem reading from the given readerat.
// The readerat must be a valid erofs block file.
// No additional memory mapping is done and must be handled by
// the caller.
func EroFS(r io.ReaderAt) (fs.FS, error) {
	return Open(r)
}

// Open decodes the image read from r and returns it as an Image.
func Open(r io.ReaderAt, opts ...Option) (*Image, error) {
	fsys, err := New(NewUncompressedBackend(NewReaderAtSource(r)), opts...)
	if err != nil {
		return nil, err
	}
	return NewImage(fsys), nil
}

// NewImage returns an io/fs view of fsys.
func NewImage(fsys *FileSystem) *Image {
	return &Image{
		fsys:   fsys,
		inodes: NewInodeMap(),
	}
}

// Image exposes a decoded EROFS image through io/fs. It is safe for
// concurrent use, the files it returns are not.
type Image struct {
	fsys   *FileSystem
	inodes *InodeMap
}

// FileSystem returns the underlying decoder.
func (i *Image) FileSystem() *FileSystem {
	return i.fsys
}

// Inode returns the cached inode for nid.
func (i *Image) Inode(nid uint64) (*Inode, error) {
	return ReadInode(i.inodes, i.fsys, nid)
}

// lookup resolves name from the root directory. Leading slashes are
// accepted.
func (i *Image) lookup(op, name string) (*Inode, error) {
	original := name
	name = strings.TrimLeft(name, "/")
	if name == "" {
		name = "."
	}
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: original, Err: fs.ErrInvalid}
	}

	inode, err := i.Inode(uint64(i.fsys.sb.RootNid))
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: original, Err: err}
	}
	if name == "." {
		return inode, nil
	}
	for _, elem := range strings.Split(name, "/") {
		if inode.Info.InodeType() != TypeDirectory {
			return nil, &fs.PathError{Op: op, Path: original, Err: ErrNotDir}
		}
		inode, err = DirLookup(i.inodes, i.fsys, inode, elem)
		if err != nil {
			return nil, &fs.PathError{Op: op, Path: original, Err: err}
		}
	}
	return inode, nil
}

func baseName(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "."
	}
	return path.Base(name)
}

func (i *Image) Open(name string) (fs.File, error) {
	inode, err := i.lookup("open", name)
	if err != nil {
		return nil, err
	}
	b := base{
		img:   i,
		name:  baseName(name),
		inode: inode,
	}
	if inode.Info.InodeType() == TypeDirectory {
		return &dir{base: b}, nil
	}
	return &file{base: b}, nil
}

func (i *Image) Stat(name string) (fs.FileInfo, error) {
	inode, err := i.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return i.fileInfo(baseName(name), inode), nil
}

// ReadDir returns the entries of the named directory sorted by name.
func (i *Image) ReadDir(name string) ([]fs.DirEntry, error) {
	inode, err := i.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	d := &dir{base: base{img: i, name: baseName(name), inode: inode}}
	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// ReadLink returns the target of the named symbolic link.
func (i *Image) ReadLink(name string) (string, error) {
	inode, err := i.lookup("readlink", name)
	if err != nil {
		return "", err
	}
	if inode.Info.InodeType() != TypeLink {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	target := make([]byte, inode.Info.FileSize())
	if _, err := i.fsys.ReadAt(inode, target, 0); err != nil && !errors.Is(err, io.EOF) {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	return string(target), nil
}

// Getxattr returns the value of the extended attribute attr, for example
// "user.comment", of the named file.
func (i *Image) Getxattr(name, attr string) ([]byte, error) {
	inode, err := i.lookup("getxattr", name)
	if err != nil {
		return nil, err
	}
	index, suffix, ok := ParseXattrName(attr)
	if !ok {
		return nil, &fs.PathError{Op: "getxattr", Path: name, Err: ErrNoData}
	}
	n, err := i.fsys.GetXattr(inode, index, suffix, nil)
	if err != nil {
		return nil, &fs.PathError{Op: "getxattr", Path: name, Err: err}
	}
	value := make([]byte, n)
	if _, err := i.fsys.GetXattr(inode, index, suffix, value); err != nil {
		return nil, &fs.PathError{Op: "getxattr", Path: name, Err: err}
	}
	return value, nil
}

// Listxattr returns the names of all extended attributes of the named file.
func (i *Image) Listxattr(name string) ([]string, error) {
	inode, err := i.lookup("listxattr", name)
	if err != nil {
		return nil, err
	}
	n, err := i.fsys.ListXattrs(inode, nil)
	if err != nil {
		return nil, &fs.PathError{Op: "listxattr", Path: name, Err: err}
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if n, err = i.fsys.ListXattrs(inode, buf); err != nil {
		return nil, &fs.PathError{Op: "listxattr", Path: name, Err: err}
	}
	var names []string
	for _, b := range bytes.Split(buf[:n], []byte{0}) {
		if len(b) > 0 {
			names = append(names, string(b))
		}
	}
	return names, nil
}

func (i *Image) fileInfo(name string, inode *Inode) *fileInfo {
	info := inode.Info
	sec, nsec, ok := info.Mtime()
	if !ok {
		sec, nsec = i.fsys.sb.BuildTime, i.fsys.sb.BuildTimeNs
	}
	raw, _ := info.Spec().RawBlkAddr()
	mode := disk.ModeToFileMode(info.Mode())
	return &fileInfo{
		name:    name,
		size:    int64(info.FileSize()),
		mode:    mode,
		modTime: time.Unix(int64(sec), int64(nsec)),
		stat: &Stat{
			InodeLayout:  int8(info.Format().Layout()),
			XattrCount:   int16(info.XattrCount()),
			Mode:         mode,
			Size:         int64(info.FileSize()),
			RawBlockAddr: int32(raw),
			Inode:        int64(info.Ino()),
			Nid:          inode.Nid,
			UID:          info.UID(),
			GID:          info.GID(),
			Mtime:        sec,
			MtimeNs:      nsec,
			Nlink:        int(info.Nlink()),
			Rdev:         info.Rdev(),
		},
	}
}

type base struct {
	img   *Image
	name  string
	inode *Inode
}

func (b *base) Stat() (fs.FileInfo, error) {
	return b.img.fileInfo(b.name, b.inode), nil
}

func (b *base) Close() error {
	// Nothing to close
	return nil
}

type file struct {
	base

	offset int64
}

func (f *file) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: fs.ErrInvalid}
	}
	n, err := f.img.fsys.ReadAt(f.inode, p, uint64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += int64(f.inode.Info.FileSize())
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("seek: negative position %d", offset)
	}
	f.offset = offset
	return offset, nil
}

type direntry struct {
	img   *Image
	name  string
	nid   uint64
	ftype fs.FileMode
}

func (d *direntry) Name() string {
	return d.name
}

func (d *direntry) IsDir() bool {
	return d.ftype.IsDir()
}

func (d *direntry) Type() fs.FileMode {
	return d.ftype
}

func (d *direntry) Info() (fs.FileInfo, error) {
	inode, err := d.img.Inode(d.nid)
	if err != nil {
		return nil, err
	}
	return d.img.fileInfo(d.name, inode), nil
}

type dir struct {
	base

	pos uint64
}

func (d *dir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrIsDir}
}

// ReadDir returns the next n entries, skipping "." and "..". The position is
// kept between calls.
func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	var ents []fs.DirEntry
	err := d.img.fsys.FillDentries(d.inode, d.pos, func(de Dirent, next uint64) bool {
		d.pos = next
		name := string(de.Name)
		if name == "." || name == ".." {
			return true
		}
		ents = append(ents, &direntry{
			img:   d.img,
			name:  name,
			nid:   de.Desc.Nid,
			ftype: disk.EroFSFtypeToFileMode(de.Desc.FileType),
		})
		return n <= 0 || len(ents) < n
	})
	if err != nil {
		return ents, &fs.PathError{Op: "readdir", Path: d.name, Err: err}
	}
	if n > 0 && len(ents) == 0 {
		return nil, io.EOF
	}
	return ents, nil
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	stat    *Stat
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return fi.size
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.mode
}
func (fi *fileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi *fileInfo) IsDir() bool {
	return fi.mode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return fi.stat
}
