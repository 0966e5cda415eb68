package erofs

import "syscall"

// Error kinds returned by the decoder. Errors are wrapped with context, test
// for a kind with errors.Is. ErrNotFound also matches fs.ErrNotExist.
var (
	// ErrCorrupted reports an on-disk value violating a structural invariant.
	ErrCorrupted error = syscall.EUCLEAN
	// ErrNotFound reports a name lookup that found nothing.
	ErrNotFound error = syscall.ENOENT
	// ErrNoData reports an xattr query without a matching entry.
	ErrNoData error = syscall.ENODATA
	// ErrRange reports a caller buffer too small for the result.
	ErrRange error = syscall.ERANGE
	// ErrNotDir reports a directory operation on another file type.
	ErrNotDir error = syscall.ENOTDIR
	// ErrUnsupported reports a layout or feature this decoder does not handle.
	ErrUnsupported error = syscall.EOPNOTSUPP
	// ErrNoDevice reports a mapping onto a device without a backend.
	ErrNoDevice error = syscall.ENXIO
	// ErrIsDir reports a read of directory content as a file.
	ErrIsDir error = syscall.EISDIR
	// ErrInvalid reports a malformed image header or argument.
	ErrInvalid error = syscall.EINVAL
)

