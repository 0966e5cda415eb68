package erofs

import (
	"fmt"
	"log/slog"

	"github.com/erofs/go-erofs/internal/disk"
)

// FileSystem decodes one EROFS image. It holds no host state and no locks;
// the values it returns are owned by the caller.
type FileSystem struct {
	sb       *SuperBlock
	backend  Backend
	devices  DeviceInfo
	infixes  []XattrInfix
	logger   *slog.Logger
	external map[uint16]Backend
}

// Option configures a FileSystem created by New.
type Option func(*FileSystem) error

// WithLogger sets the logger receiving corruption warnings. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *FileSystem) error {
		if logger == nil {
			return fmt.Errorf("nil logger: %w", ErrInvalid)
		}
		f.logger = logger
		return nil
	}
}

// WithDevice registers the backend serving extra device id. Device 0 is
// always the primary backend.
func WithDevice(id uint16, backend Backend) Option {
	return func(f *FileSystem) error {
		if id == 0 {
			return fmt.Errorf("device 0 is the primary device: %w", ErrInvalid)
		}
		if f.external == nil {
			f.external = make(map[uint16]Backend)
		}
		f.external[id] = backend
		return nil
	}
}

// New reads the superblock from backend and loads the device and xattr
// prefix tables.
func New(backend Backend, opts ...Option) (*FileSystem, error) {
	f := &FileSystem{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	buf, err := backend.AsBuf(disk.SuperBlockOffset, disk.SizeSuperBlock)
	if err != nil {
		return nil, fmt.Errorf("read super block: %w", err)
	}
	f.sb, err = DecodeSuperBlock(buf.Bytes())
	buf.Release()
	if err != nil {
		return nil, err
	}

	if f.sb.HasFeatureCompat(disk.FeatureCompatSbChksum) {
		buf, err := backend.AsBuf(disk.SuperBlockOffset, f.sb.checksumLen())
		if err != nil {
			return nil, fmt.Errorf("read super block for checksum: %w", err)
		}
		err = f.sb.verifyChecksum(buf.Bytes())
		buf.Release()
		if err != nil {
			f.logger.Warn("Invalid super block checksum", slog.Uint64("checksum", uint64(f.sb.Checksum)))
			return nil, err
		}
	}

	if f.devices, err = f.readDeviceInfo(); err != nil {
		return nil, err
	}
	if f.infixes, err = f.readXattrInfixes(); err != nil {
		return nil, err
	}
	return f, nil
}

// SuperBlock returns the decoded superblock.
func (f *FileSystem) SuperBlock() *SuperBlock {
	return f.sb
}

// Backend returns the primary backend.
func (f *FileSystem) Backend() Backend {
	return f.backend
}

// DeviceInfo returns the extra device table.
func (f *FileSystem) DeviceInfo() DeviceInfo {
	return f.devices
}

// XattrInfixes returns the long xattr name prefixes.
func (f *FileSystem) XattrInfixes() []XattrInfix {
	return f.infixes
}

// ContinuousIter returns an iterator over n raw bytes starting at off.
func (f *FileSystem) ContinuousIter(off, n uint64) *ContinuousIter {
	return newContinuousIter(f.sb, f.backend, off, n)
}

// MappedIter returns an iterator over the content of inode from off to the
// end of the file.
func (f *FileSystem) MappedIter(inode *Inode, off uint64) *MapIter {
	return newMapIter(f, inode, off)
}

func (f *FileSystem) corrupted(msg string, attrs ...slog.Attr) error {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	f.logger.Warn(msg, args...)
	return fmt.Errorf("%s: %w", msg, ErrCorrupted)
}

func (f *FileSystem) deviceBackend(id uint16) (Backend, error) {
	if id == 0 {
		return f.backend, nil
	}
	if b, ok := f.external[id]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("device %d: %w", id, ErrNoDevice)
}
