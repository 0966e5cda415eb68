package disk

import "io/fs"

const (
	FileTypeUnknown = 0
	FileTypeReg     = 1
	FileTypeDir     = 2
	FileTypeChrdev  = 3
	FileTypeBlkdev  = 4
	FileTypeFifo    = 5
	FileTypeSock    = 6
	FileTypeSymlink = 7
)

// Values of the file type bits of i_mode.
const (
	S_IFMT   = 0o170000
	S_IFSOCK = 0o140000
	S_IFLNK  = 0o120000
	S_IFREG  = 0o100000
	S_IFBLK  = 0o060000
	S_IFDIR  = 0o040000
	S_IFCHR  = 0o020000
	S_IFIFO  = 0o010000
)

// Converts EroFS filetypes to Go FileMode
func EroFSFtypeToFileMode(ftype uint8) fs.FileMode {
	switch ftype {
	case FileTypeDir:
		return fs.ModeDir
	case FileTypeChrdev:
		return fs.ModeDevice | fs.ModeCharDevice
	case FileTypeBlkdev:
		return fs.ModeDevice
	case FileTypeFifo:
		return fs.ModeNamedPipe
	case FileTypeSock:
		return fs.ModeSocket
	case FileTypeSymlink:
		return fs.ModeSymlink
	default:
		return 0
	}
}

// ModeToFileMode converts an on-disk i_mode to a Go FileMode, keeping the
// permission and set-id bits.
func ModeToFileMode(mode uint16) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch uint32(mode) & S_IFMT {
	case S_IFDIR:
		m |= fs.ModeDir
	case S_IFLNK:
		m |= fs.ModeSymlink
	case S_IFCHR:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case S_IFBLK:
		m |= fs.ModeDevice
	case S_IFIFO:
		m |= fs.ModeNamedPipe
	case S_IFSOCK:
		m |= fs.ModeSocket
	}
	return m
}

// ModeToFileType returns the directory entry file type for an i_mode.
func ModeToFileType(mode uint16) uint8 {
	switch uint32(mode) & S_IFMT {
	case S_IFREG:
		return FileTypeReg
	case S_IFDIR:
		return FileTypeDir
	case S_IFCHR:
		return FileTypeChrdev
	case S_IFBLK:
		return FileTypeBlkdev
	case S_IFIFO:
		return FileTypeFifo
	case S_IFSOCK:
		return FileTypeSock
	case S_IFLNK:
		return FileTypeSymlink
	default:
		return FileTypeUnknown
	}
}

// FileTypeToMode returns the i_mode file type bits for a directory entry
// file type.
func FileTypeToMode(ftype uint8) uint32 {
	switch ftype {
	case FileTypeReg:
		return S_IFREG
	case FileTypeDir:
		return S_IFDIR
	case FileTypeChrdev:
		return S_IFCHR
	case FileTypeBlkdev:
		return S_IFBLK
	case FileTypeFifo:
		return S_IFIFO
	case FileTypeSock:
		return S_IFSOCK
	case FileTypeSymlink:
		return S_IFLNK
	default:
		return 0
	}
}
