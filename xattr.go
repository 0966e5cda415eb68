package erofs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/erofs/go-erofs/internal/disk"
)

// Built-in xattr name prefixes by short name index. Index 0 and the reserved
// index 5 have no prefix.
var xattrPrefixes = [...]string{
	"",
	"user.",
	"system.posix_acl_access",
	"system.posix_acl_default",
	"trusted.",
	"",
	"security.",
}

// XattrPrefix returns the built-in prefix of a short name index, or "" when
// the index has none.
func XattrPrefix(index uint8) string {
	if int(index) < len(xattrPrefixes) {
		return xattrPrefixes[index]
	}
	return ""
}

// ParseXattrName splits a full attribute name into its built-in name index
// and the remaining suffix. ok is false when no built-in prefix matches.
func ParseXattrName(name string) (index uint8, suffix string, ok bool) {
	for i, prefix := range xattrPrefixes {
		if prefix == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		// The two ACL names are complete names with no suffix.
		if strings.HasSuffix(prefix, ".") || len(name) == len(prefix) {
			return uint8(i), name[len(prefix):], true
		}
	}
	return 0, "", false
}

// XattrSharedEntrySummary is the header of the inline xattr region.
type XattrSharedEntrySummary struct {
	NameFilter  uint32
	SharedCount uint8
}

// XattrSharedEntries lists the shared xattr entries referenced by an inode.
type XattrSharedEntries struct {
	NameFilter    uint32
	SharedIndexes []uint32
}

// XattrNameIndex is the name index byte of an entry. With the long prefix
// bit set it selects an infix record instead of a built-in prefix.
type XattrNameIndex uint8

// IsLong reports whether the index selects a long prefix.
func (x XattrNameIndex) IsLong() bool {
	return uint8(x)&disk.XattrLongPrefix != 0
}

// Index returns the built-in prefix index or the infix table index.
func (x XattrNameIndex) Index() uint8 {
	if x.IsLong() {
		return uint8(x) & disk.XattrLongPrefixMask
	}
	return uint8(x)
}

// XattrEntryHeader is the decoded header of one xattr entry.
type XattrEntryHeader struct {
	SuffixLen uint8
	NameIndex XattrNameIndex
	ValueLen  uint16
}

// size returns the entry size including its 4-byte alignment padding.
func (h XattrEntryHeader) size() uint64 {
	return roundUp(disk.SizeXattrEntry+uint64(h.SuffixLen)+uint64(h.ValueLen), 4)
}

// XattrInfix is a long prefix record: the built-in prefix index it extends
// followed by the infix bytes.
type XattrInfix []byte

// PrefixIndex returns the built-in prefix index the infix extends.
func (x XattrInfix) PrefixIndex() uint8 {
	if len(x) == 0 {
		return 0
	}
	return x[0]
}

// Name returns the infix bytes.
func (x XattrInfix) Name() []byte {
	if len(x) == 0 {
		return nil
	}
	return x[1:]
}

// streamReader reads a byte stream spread over the buffers of an iterator.
type streamReader struct {
	it   BufferIter
	cur  *RefBuffer
	data []byte
}

func newStreamReader(it BufferIter) *streamReader {
	return &streamReader{it: it}
}

func (r *streamReader) fill() error {
	for len(r.data) == 0 {
		r.cur.Release()
		r.cur = nil
		buf, err := r.it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("truncated metadata: %w", ErrCorrupted)
			}
			return err
		}
		r.cur, r.data = buf, buf.Bytes()
	}
	return nil
}

func (r *streamReader) readFull(p []byte) error {
	for len(p) > 0 {
		if err := r.fill(); err != nil {
			return err
		}
		n := copy(p, r.data)
		p, r.data = p[n:], r.data[n:]
	}
	return nil
}

func (r *streamReader) skip(n uint64) error {
	k := min(n, uint64(len(r.data)))
	r.data = r.data[k:]
	n -= k
	if n == 0 {
		return nil
	}
	if c, ok := r.it.(*ContinuousIter); ok {
		return c.AdvanceOff(n)
	}
	for n > 0 {
		if err := r.fill(); err != nil {
			return err
		}
		k := min(n, uint64(len(r.data)))
		r.data = r.data[k:]
		n -= k
	}
	return nil
}

// eof reports whether a bounded ContinuousIter is fully consumed.
func (r *streamReader) eof() bool {
	if len(r.data) > 0 {
		return false
	}
	c, ok := r.it.(*ContinuousIter)
	return ok && c.EOF()
}

func (r *streamReader) close() {
	r.cur.Release()
	r.cur, r.data = nil, nil
}

func (r *streamReader) entryHeader() (XattrEntryHeader, error) {
	var b [disk.SizeXattrEntry]byte
	if err := r.readFull(b[:]); err != nil {
		return XattrEntryHeader{}, err
	}
	var e disk.XattrEntry
	if _, err := binary.Decode(b[:], binary.LittleEndian, &e); err != nil {
		return XattrEntryHeader{}, err
	}
	return XattrEntryHeader{
		SuffixLen: e.NameLen,
		NameIndex: XattrNameIndex(e.NameIndex),
		ValueLen:  e.ValueLen,
	}, nil
}

// ReadInodeXattrsSharedEntries reads the xattr summary of the inode nid and
// the shared entry indexes it lists.
func (f *FileSystem) ReadInodeXattrsSharedEntries(nid uint64, info InodeInfo) (XattrSharedEntries, error) {
	xsize := info.XattrSize()
	if xsize == 0 {
		return XattrSharedEntries{}, nil
	}
	off := f.sb.Iloc(nid) + info.InodeSize()
	var b [disk.SizeXattrBodyHeader]byte
	if _, err := f.backend.Fill(b[:], off); err != nil {
		return XattrSharedEntries{}, fmt.Errorf("read xattr header of nid %d: %w", nid, err)
	}
	var h disk.XattrHeader
	if _, err := binary.Decode(b[:], binary.LittleEndian, &h); err != nil {
		return XattrSharedEntries{}, err
	}
	if disk.SizeXattrBodyHeader+4*uint64(h.SharedCount) > xsize {
		return XattrSharedEntries{}, f.corrupted("xattr shared count exceeds xattr region",
			slog.Uint64("nid", nid), slog.Int("shared", int(h.SharedCount)))
	}

	entries := XattrSharedEntries{
		NameFilter:    h.NameFilter,
		SharedIndexes: make([]uint32, 0, h.SharedCount),
	}
	r := newStreamReader(f.ContinuousIter(off+disk.SizeXattrBodyHeader, 4*uint64(h.SharedCount)))
	defer r.close()
	var idx [4]byte
	for range h.SharedCount {
		if err := r.readFull(idx[:]); err != nil {
			return XattrSharedEntries{}, err
		}
		entries.SharedIndexes = append(entries.SharedIndexes, binary.LittleEndian.Uint32(idx[:]))
	}
	return entries, nil
}

// inlineXattrs returns a reader over the inline entries of inode.
func (f *FileSystem) inlineXattrs(inode *Inode) *streamReader {
	info := inode.Info
	header := disk.SizeXattrBodyHeader + 4*uint64(len(inode.Shared.SharedIndexes))
	xsize := info.XattrSize()
	if xsize < header {
		return nil
	}
	off := f.sb.Iloc(inode.Nid) + info.InodeSize() + header
	return newStreamReader(f.ContinuousIter(off, xsize-header))
}

// sharedXattr returns a reader positioned at the shared entry idx.
func (f *FileSystem) sharedXattr(idx uint32) *streamReader {
	off := f.sb.Blkpos(f.sb.XattrBlkAddr) + 4*uint64(idx)
	return newStreamReader(f.ContinuousIter(off, math.MaxUint64-off))
}

// entryPrefix returns the full prefix of an entry, built-in prefix plus
// infix for long prefixes.
func (f *FileSystem) entryPrefix(h XattrEntryHeader) (string, uint8, error) {
	if !h.NameIndex.IsLong() {
		return XattrPrefix(h.NameIndex.Index()), h.NameIndex.Index(), nil
	}
	i := int(h.NameIndex.Index())
	if i >= len(f.infixes) {
		return "", 0, f.corrupted("xattr long prefix out of range",
			slog.Int("index", i), slog.Int("count", len(f.infixes)))
	}
	infix := f.infixes[i]
	return XattrPrefix(infix.PrefixIndex()) + string(infix.Name()), infix.PrefixIndex(), nil
}

// queryValue consumes one entry from r. When its name matches it copies the
// value into buf and returns its length, otherwise it returns ErrNoData.
func (f *FileSystem) queryValue(r *streamReader, index uint8, name string, buf []byte) (int, error) {
	h, err := r.entryHeader()
	if err != nil {
		return 0, err
	}
	suffix := make([]byte, h.SuffixLen)
	if err := r.readFull(suffix); err != nil {
		return 0, err
	}
	rest := h.size() - disk.SizeXattrEntry - uint64(h.SuffixLen)

	prefix, base, err := f.entryPrefix(h)
	if err != nil {
		return 0, err
	}
	// Long prefixes match on their infix plus suffix, short ones on the
	// suffix alone.
	want := string(suffix)
	if h.NameIndex.IsLong() {
		want = prefix[len(XattrPrefix(base)):] + want
	}
	if base != index || name != want {
		if err := r.skip(rest); err != nil {
			return 0, err
		}
		return 0, ErrNoData
	}

	vlen := int(h.ValueLen)
	if buf == nil {
		return vlen, nil
	}
	if len(buf) < vlen {
		return 0, fmt.Errorf("xattr value of %d bytes: %w", vlen, ErrRange)
	}
	if err := r.readFull(buf[:vlen]); err != nil {
		return 0, err
	}
	return vlen, nil
}

// GetXattr looks up the attribute with the built-in name index and name
// suffix. Inline entries are searched before shared ones. With a nil buf
// only the value length is returned.
func (f *FileSystem) GetXattr(inode *Inode, index uint8, name string, buf []byte) (int, error) {
	if r := f.inlineXattrs(inode); r != nil {
		for !r.eof() {
			n, err := f.queryValue(r, index, name, buf)
			if err == ErrNoData {
				continue
			}
			r.close()
			return n, err
		}
		r.close()
	}
	for _, idx := range inode.Shared.SharedIndexes {
		r := f.sharedXattr(idx)
		n, err := f.queryValue(r, index, name, buf)
		r.close()
		if err == ErrNoData {
			continue
		}
		return n, err
	}
	return 0, fmt.Errorf("xattr %s%s of nid %d: %w", XattrPrefix(index), name, inode.Nid, ErrNoData)
}

// appendKey consumes the header and name of one entry from r and writes its
// NUL terminated full name at buf[n:]. The value is left unread.
func (f *FileSystem) appendKey(r *streamReader, buf []byte, n int) (XattrEntryHeader, int, error) {
	h, err := r.entryHeader()
	if err != nil {
		return h, n, err
	}
	prefix, base, err := f.entryPrefix(h)
	if err != nil {
		return h, n, err
	}
	if XattrPrefix(base) == "" {
		return h, n, r.skip(uint64(h.SuffixLen))
	}
	need := len(prefix) + int(h.SuffixLen) + 1
	if buf == nil {
		return h, n + need, r.skip(uint64(h.SuffixLen))
	}
	if len(buf)-n < need {
		return h, n, fmt.Errorf("xattr list of %d bytes: %w", len(buf), ErrRange)
	}
	n += copy(buf[n:], prefix)
	if err := r.readFull(buf[n : n+int(h.SuffixLen)]); err != nil {
		return h, n, err
	}
	n += int(h.SuffixLen)
	buf[n] = 0
	return h, n + 1, nil
}

// ListXattrs writes the NUL terminated names of all attributes of inode
// into buf and returns the number of bytes used. With a nil buf only the
// required size is returned.
func (f *FileSystem) ListXattrs(inode *Inode, buf []byte) (int, error) {
	var (
		n   int
		h   XattrEntryHeader
		err error
	)
	if r := f.inlineXattrs(inode); r != nil {
		defer r.close()
		for !r.eof() {
			if h, n, err = f.appendKey(r, buf, n); err != nil {
				return 0, err
			}
			if err = r.skip(h.size() - disk.SizeXattrEntry - uint64(h.SuffixLen)); err != nil {
				return 0, err
			}
		}
	}
	for _, idx := range inode.Shared.SharedIndexes {
		r := f.sharedXattr(idx)
		_, n, err = f.appendKey(r, buf, n)
		r.close()
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

// readXattrInfixes loads the long prefix table. With the fragments feature
// and a packed inode the table lives in the packed inode's data.
func (f *FileSystem) readXattrInfixes() ([]XattrInfix, error) {
	count := int(f.sb.XattrPrefixCount)
	if count == 0 {
		return nil, nil
	}
	off := uint64(f.sb.XattrPrefixStart) * 4

	var it BufferIter
	if f.sb.HasFeatureIncompat(disk.FeatureIncompatFragments) && f.sb.PackedNid != 0 {
		packed, err := f.ReadInode(f.sb.PackedNid)
		if err != nil {
			return nil, fmt.Errorf("read packed inode: %w", err)
		}
		it = f.MappedIter(packed, off)
	} else {
		it = f.ContinuousIter(off, math.MaxUint64-off)
	}
	r := newStreamReader(it)
	defer r.close()

	infixes := make([]XattrInfix, 0, count)
	var lb [2]byte
	for range count {
		if err := r.readFull(lb[:]); err != nil {
			return nil, fmt.Errorf("read xattr prefix %d: %w", len(infixes), err)
		}
		size := binary.LittleEndian.Uint16(lb[:])
		if size == 0 {
			return nil, f.corrupted("empty xattr prefix record", slog.Int("index", len(infixes)))
		}
		infix := make(XattrInfix, size)
		if err := r.readFull(infix); err != nil {
			return nil, fmt.Errorf("read xattr prefix %d: %w", len(infixes), err)
		}
		infixes = append(infixes, infix)
		if err := r.skip(roundUp(2+uint64(size), 4) - 2 - uint64(size)); err != nil {
			return nil, err
		}
	}
	return infixes, nil
}
