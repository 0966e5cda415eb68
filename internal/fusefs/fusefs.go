// Package fusefs serves an EROFS image over FUSE. The go-fuse inode tree is
// the inode collection, every node wraps one decoded inode.
package fusefs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	erofs "github.com/erofs/go-erofs"
	"github.com/erofs/go-erofs/internal/disk"
)

// Options control how an image is mounted.
type Options struct {
	AllowOther bool
	Debug      bool
	FsName     string
	Logger     *slog.Logger
}

type root struct {
	fsys   *erofs.FileSystem
	inodes *erofs.InodeMap
	logger *slog.Logger
}

type node struct {
	fs.Inode

	r     *root
	inode *erofs.Inode
}

var _ = (fs.InodeEmbedder)((*node)(nil))
var _ = (fs.NodeLookuper)((*node)(nil))
var _ = (fs.NodeReaddirer)((*node)(nil))
var _ = (fs.NodeGetattrer)((*node)(nil))
var _ = (fs.NodeOpener)((*node)(nil))
var _ = (fs.NodeReader)((*node)(nil))
var _ = (fs.NodeReadlinker)((*node)(nil))
var _ = (fs.NodeGetxattrer)((*node)(nil))
var _ = (fs.NodeListxattrer)((*node)(nil))
var _ = (fs.NodeStatfser)((*node)(nil))

// Root returns the root node of fsys.
func Root(fsys *erofs.FileSystem, logger *slog.Logger) (fs.InodeEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &root{
		fsys:   fsys,
		inodes: erofs.NewInodeMap(),
		logger: logger,
	}
	inode, err := erofs.ReadInode(r.inodes, fsys, uint64(fsys.SuperBlock().RootNid))
	if err != nil {
		return nil, err
	}
	return &node{r: r, inode: inode}, nil
}

// Mount mounts fsys read-only at dir. The caller waits on the returned
// server and unmounts it.
func Mount(dir string, fsys *erofs.FileSystem, opts Options) (*fuse.Server, error) {
	embedder, err := Root(fsys, opts.Logger)
	if err != nil {
		return nil, err
	}
	rootAttr := stableAttr(embedder.(*node).inode)
	fsName := opts.FsName
	if fsName == "" {
		fsName = "erofs"
	}
	return fs.Mount(dir, embedder, &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     fsName,
			Name:       "erofs",
			Options:    []string{"ro"},
		},
		RootStableAttr: &rootAttr,
	})
}

// FUSE reserves inode number 0.
func ino(nid uint64) uint64 {
	return nid + 1
}

func stableAttr(inode *erofs.Inode) fs.StableAttr {
	return fs.StableAttr{
		Mode: uint32(inode.Info.Mode()) & disk.S_IFMT,
		Ino:  ino(inode.Nid),
	}
}

// toErrno extracts the error kind carried by err. Errors without one are
// reported as EIO.
func (r *root) toErrno(op string, err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	r.logger.Error("fuse operation failed", slog.String("op", op), slog.Any("error", err))
	return syscall.EIO
}

func (r *root) fillAttr(inode *erofs.Inode, out *fuse.Attr) {
	info := inode.Info
	sb := r.fsys.SuperBlock()
	sec, nsec, ok := info.Mtime()
	if !ok {
		sec, nsec = sb.BuildTime, sb.BuildTimeNs
	}
	out.Ino = ino(inode.Nid)
	out.Mode = uint32(info.Mode())
	out.Nlink = info.Nlink()
	out.Size = info.FileSize()
	out.Blocks = (info.FileSize() + 511) / 512
	out.Blksize = uint32(sb.Blksz())
	out.Owner = fuse.Owner{Uid: info.UID(), Gid: info.GID()}
	out.Rdev = info.Rdev()
	out.Mtime, out.Mtimensec = sec, nsec
	out.Atime, out.Atimensec = sec, nsec
	out.Ctime, out.Ctimensec = sec, nsec
}

func (n *node) lookup(name string) (*erofs.Inode, syscall.Errno) {
	if n.inode.Info.InodeType() != erofs.TypeDirectory {
		return nil, syscall.ENOTDIR
	}
	child, err := erofs.DirLookup(n.r.inodes, n.r.fsys, n.inode, name)
	if err != nil {
		return nil, n.r.toErrno("lookup", err)
	}
	return child, fs.OK
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, errno := n.lookup(name)
	if errno != fs.OK {
		return nil, errno
	}
	n.r.fillAttr(child, &out.Attr)
	return n.NewInode(ctx, &node{r: n.r, inode: child}, stableAttr(child)), fs.OK
}

func (n *node) entries() ([]fuse.DirEntry, syscall.Errno) {
	var list []fuse.DirEntry
	err := n.r.fsys.FillDentries(n.inode, 0, func(d erofs.Dirent, _ uint64) bool {
		name := string(d.Name)
		if name == "." || name == ".." {
			return true
		}
		list = append(list, fuse.DirEntry{
			Name: name,
			Ino:  ino(d.Desc.Nid),
			Mode: disk.FileTypeToMode(d.Desc.FileType),
		})
		return true
	})
	if err != nil {
		return nil, n.r.toErrno("readdir", err)
	}
	return list, fs.OK
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list, errno := n.entries()
	if errno != fs.OK {
		return nil, errno
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.r.fillAttr(n.inode, &out.Attr)
	return fs.OK
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	if n.inode.Info.InodeType() == erofs.TypeDirectory {
		return nil, 0, syscall.EISDIR
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	c, err := n.r.fsys.ReadAt(n.inode, dest, uint64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, n.r.toErrno("read", err)
	}
	return fuse.ReadResultData(dest[:c]), fs.OK
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if n.inode.Info.InodeType() != erofs.TypeLink {
		return nil, syscall.EINVAL
	}
	target := make([]byte, n.inode.Info.FileSize())
	if _, err := n.r.fsys.ReadAt(n.inode, target, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, n.r.toErrno("readlink", err)
	}
	return target, fs.OK
}

// Getxattr returns the value size when dest is empty.
func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	index, suffix, ok := erofs.ParseXattrName(attr)
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) == 0 {
		dest = nil
	}
	sz, err := n.r.fsys.GetXattr(n.inode, index, suffix, dest)
	if err != nil {
		return 0, n.r.toErrno("getxattr", err)
	}
	return uint32(sz), fs.OK
}

// Listxattr returns the list size when dest is empty.
func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		dest = nil
	}
	sz, err := n.r.fsys.ListXattrs(n.inode, dest)
	if err != nil {
		return 0, n.r.toErrno("listxattr", err)
	}
	return uint32(sz), fs.OK
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	sb := n.r.fsys.SuperBlock()
	out.Blocks = uint64(sb.Blocks)
	out.Files = sb.Inos
	out.Bsize = uint32(sb.Blksz())
	out.Frsize = uint32(sb.Blksz())
	out.NameLen = disk.MaxNameLen
	return fs.OK
}
