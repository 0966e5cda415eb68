// Package erofstest builds small EROFS images in memory for tests.
package erofstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"
	"strings"

	"github.com/erofs/go-erofs/internal/disk"
)

// Layout selects how the content of a Node is stored.
type Layout uint8

const (
	// LayoutAuto stores the tail inline when it fits, plain otherwise.
	LayoutAuto Layout = iota
	LayoutPlain
	LayoutInline
	LayoutChunk
)

// Xattr is an extended attribute entry. Index is the built-in name index,
// or with Long set the index into Options.Prefixes.
type Xattr struct {
	Index uint8
	Long  bool
	Name  string
	Value []byte
}

// Node is a file in the image tree.
type Node struct {
	Name     string
	Mode     uint16
	Data     []byte
	Layout   Layout
	Extended bool
	UID      uint32
	GID      uint32
	Mtime    uint64
	MtimeNs  uint32
	Rdev     uint32

	Xattrs       []Xattr
	SharedXattrs []Xattr
	Children     []*Node

	// Chunk layout only.
	ChunkBits    uint8
	ChunkIndexes bool
	Holes        []int
	DeviceID     uint16
}

// Dir returns a directory node.
func Dir(name string, children ...*Node) *Node {
	return &Node{Name: name, Mode: disk.S_IFDIR | 0o755, Children: children}
}

// File returns a regular file node.
func File(name string, data []byte) *Node {
	return &Node{Name: name, Mode: disk.S_IFREG | 0o644, Data: data}
}

// Symlink returns a symbolic link node.
func Symlink(name, target string) *Node {
	return &Node{Name: name, Mode: disk.S_IFLNK | 0o777, Data: []byte(target)}
}

// Prefix is a long xattr name prefix record.
type Prefix struct {
	Base  uint8
	Infix string
}

// Device is an extra device table slot.
type Device struct {
	Tag           string
	Blocks        uint32
	MappedBlkAddr uint32
}

// Options control the image wide settings.
type Options struct {
	BlkSizeBits    uint8
	Checksum       bool
	BuildTime      uint64
	BuildTimeNs    uint32
	UUID           [16]byte
	VolumeName     string
	Prefixes       []Prefix
	PackedPrefixes bool
	Devices        []Device
}

// Image is a built image.
type Image struct {
	Data       []byte
	SuperBlock disk.SuperBlock

	nodes map[string]*built
}

// Nid returns the nid of the node at path, "/" being the root.
func (i *Image) Nid(path string) uint64 {
	b, ok := i.nodes[path]
	if !ok {
		panic(fmt.Sprintf("erofstest: no node %q", path))
	}
	return b.nid
}

// Iloc returns the image offset of the inode record of the node at path.
func (i *Image) Iloc(path string) uint64 {
	return uint64(i.SuperBlock.MetaBlkAddr)<<i.SuperBlock.BlkSizeBits + i.Nid(path)<<disk.InodeSlotBits
}

type built struct {
	node     *Node
	path     string
	parent   *built
	children []*built

	nid    uint64
	ino    uint32
	nlink  uint32
	data   []byte
	layout uint8

	isize  uint64
	xsize  uint64
	tail   uint64
	chunks uint64
	unit   uint64
	meta   uint64

	blkaddr uint32
	shared  []uint32
}

type builder struct {
	opts  Options
	blksz uint64
	all   []*built
}

// Build lays out the tree rooted at root into an image.
func Build(root *Node, opts Options) (*Image, error) {
	if opts.BlkSizeBits == 0 {
		opts.BlkSizeBits = 12
	}
	if root.Mode&disk.S_IFMT != disk.S_IFDIR {
		return nil, fmt.Errorf("root must be a directory")
	}
	b := &builder{opts: opts, blksz: 1 << opts.BlkSizeBits}
	if _, err := b.walk(root, nil, "/"); err != nil {
		return nil, err
	}
	var packed *built
	if opts.PackedPrefixes && len(opts.Prefixes) > 0 {
		packed = &built{
			node: &Node{Mode: disk.S_IFREG | 0o600, Data: b.prefixRecords(), Layout: LayoutPlain},
			path: "\x00packed",
		}
		packed.data = packed.node.Data
		b.all = append(b.all, packed)
	}

	for i, n := range b.all {
		n.ino = uint32(i + 1)
		if err := b.plan(n); err != nil {
			return nil, err
		}
	}

	// Metadata area after the superblock and device table.
	slotOff := uint64(disk.SuperBlockOffset+disk.SizeSuperBlock) / disk.SizeDeviceSlot
	headEnd := (slotOff + uint64(len(opts.Devices))) * disk.SizeDeviceSlot
	metaBlk := uint32((headEnd + b.blksz - 1) / b.blksz)

	var cursor uint64
	for _, n := range b.all {
		cursor = (cursor + 31) &^ 31
		if cursor%b.blksz+n.meta > b.blksz && n.meta <= b.blksz {
			cursor = (cursor + b.blksz - 1) / b.blksz * b.blksz
		}
		n.nid = cursor >> disk.InodeSlotBits
		cursor += n.meta
	}
	if b.all[0].nid > 0xffff {
		return nil, fmt.Errorf("root nid %d out of range", b.all[0].nid)
	}
	xattrBlk := metaBlk + uint32((cursor+b.blksz-1)/b.blksz)

	// Shared xattrs and the prefix table share the xattr area.
	var shared bytes.Buffer
	for _, n := range b.all {
		for _, x := range n.node.SharedXattrs {
			n.shared = append(n.shared, uint32(shared.Len()/4))
			shared.Write(encodeXattr(x))
		}
	}
	prefixOff := uint64(xattrBlk)*b.blksz + uint64(shared.Len())
	if packed == nil {
		shared.Write(b.prefixRecords())
	}
	next := xattrBlk + uint32((uint64(shared.Len())+b.blksz-1)/b.blksz)

	// Data blocks.
	for _, n := range b.all {
		next = b.allocate(n, next)
	}

	img := make([]byte, uint64(next)*b.blksz)
	copy(img[uint64(xattrBlk)*b.blksz:], shared.Bytes())
	for _, n := range b.all {
		if n.node.Mode&disk.S_IFMT == disk.S_IFDIR {
			n.data = b.encodeDir(n)
		}
	}
	pos := func(n *built) uint64 {
		return uint64(metaBlk)*b.blksz + n.nid<<disk.InodeSlotBits
	}
	for _, n := range b.all {
		if err := b.writeInode(img, pos(n), n); err != nil {
			return nil, err
		}
	}

	sb := disk.SuperBlock{
		MagicNumber:  disk.MagicNumber,
		BlkSizeBits:  opts.BlkSizeBits,
		RootNid:      uint16(b.all[0].nid),
		Inos:         uint64(len(b.all)),
		BuildTime:    opts.BuildTime,
		BuildTimeNs:  opts.BuildTimeNs,
		Blocks:       next,
		MetaBlkAddr:  metaBlk,
		XattrBlkAddr: xattrBlk,
		UUID:         opts.UUID,
		ExtraDevices: uint16(len(opts.Devices)),
		DevtSlotOff:  uint16(slotOff),
	}
	copy(sb.VolumeName[:], opts.VolumeName)
	if len(opts.Prefixes) > 0 {
		sb.FeatureIncompat |= disk.FeatureIncompatXattrPrefixes
		sb.XattrPrefixCount = uint8(len(opts.Prefixes))
		sb.XattrPrefixStart = uint32(prefixOff / 4)
		if packed != nil {
			sb.FeatureIncompat |= disk.FeatureIncompatFragments
			sb.PackedNid = packed.nid
			sb.XattrPrefixStart = 0
		}
	}
	if len(opts.Devices) > 0 {
		sb.FeatureIncompat |= disk.FeatureIncompatDeviceTable
	}
	for _, n := range b.all {
		if n.layout == disk.LayoutChunkBased {
			sb.FeatureIncompat |= disk.FeatureIncompatChunkedFile
		}
	}
	for i, d := range opts.Devices {
		slot := disk.DeviceSlot{Blocks: d.Blocks, MappedBlkAddr: d.MappedBlkAddr}
		copy(slot.Tag[:], d.Tag)
		if _, err := binary.Encode(img[(slotOff+uint64(i))*disk.SizeDeviceSlot:], binary.LittleEndian, &slot); err != nil {
			return nil, err
		}
	}
	if opts.Checksum {
		sb.FeatureCompat |= disk.FeatureCompatSbChksum
	}
	if _, err := binary.Encode(img[disk.SuperBlockOffset:], binary.LittleEndian, &sb); err != nil {
		return nil, err
	}
	if opts.Checksum {
		n := b.blksz
		if n > disk.SuperBlockOffset {
			n -= disk.SuperBlockOffset
		}
		sb.Checksum = Checksum(img[disk.SuperBlockOffset : disk.SuperBlockOffset+n])
		binary.LittleEndian.PutUint32(img[disk.SuperBlockOffset+4:], sb.Checksum)
	}

	out := &Image{Data: img, SuperBlock: sb, nodes: make(map[string]*built, len(b.all))}
	for _, n := range b.all {
		out.nodes[n.path] = n
	}
	return out, nil
}

// Checksum returns the superblock CRC32C of b, with the checksum field
// taken as zero.
func Checksum(b []byte) uint32 {
	zeroed := bytes.Clone(b)
	binary.LittleEndian.PutUint32(zeroed[4:8], 0)
	return ^crc32.Update(0, crc32.MakeTable(crc32.Castagnoli), zeroed)
}

func (b *builder) walk(n *Node, parent *built, path string) (*built, error) {
	if len(n.Name) > disk.MaxNameLen {
		return nil, fmt.Errorf("name %q too long", n.Name)
	}
	cur := &built{node: n, path: path, parent: parent, data: n.Data}
	b.all = append(b.all, cur)
	if n.Mode&disk.S_IFMT != disk.S_IFDIR {
		return cur, nil
	}
	names := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		if names[c.Name] || c.Name == "" || c.Name == "." || c.Name == ".." || strings.Contains(c.Name, "/") {
			return nil, fmt.Errorf("invalid child name %q in %s", c.Name, path)
		}
		names[c.Name] = true
		child, err := b.walk(c, cur, strings.TrimSuffix(path, "/")+"/"+c.Name)
		if err != nil {
			return nil, err
		}
		cur.children = append(cur.children, child)
	}
	return cur, nil
}

func (b *builder) prefixRecords() []byte {
	var out []byte
	for _, p := range b.opts.Prefixes {
		rec := binary.LittleEndian.AppendUint16(nil, uint16(1+len(p.Infix)))
		rec = append(rec, p.Base)
		rec = append(rec, p.Infix...)
		for len(rec)%4 != 0 {
			rec = append(rec, 0)
		}
		out = append(out, rec...)
	}
	return out
}

func encodeXattr(x Xattr) []byte {
	index := x.Index
	if x.Long {
		index |= disk.XattrLongPrefix
	}
	e := []byte{uint8(len(x.Name)), index}
	e = binary.LittleEndian.AppendUint16(e, uint16(len(x.Value)))
	e = append(e, x.Name...)
	e = append(e, x.Value...)
	for len(e)%4 != 0 {
		e = append(e, 0)
	}
	return e
}

type dent struct {
	name  string
	nid   uint64
	ftype uint8
}

func (b *builder) dirents(n *built) []dent {
	parent := n.parent
	if parent == nil {
		parent = n
	}
	ents := []dent{
		{name: ".", nid: n.nid, ftype: disk.FileTypeDir},
		{name: "..", nid: parent.nid, ftype: disk.FileTypeDir},
	}
	children := slices.Clone(n.children)
	slices.SortFunc(children, func(a, c *built) int {
		return strings.Compare(a.node.Name, c.node.Name)
	})
	for _, c := range children {
		ents = append(ents, dent{name: c.node.Name, nid: c.nid, ftype: disk.ModeToFileType(c.node.Mode)})
	}
	return ents
}

func (b *builder) encodeDir(n *built) []byte {
	ents := b.dirents(n)
	var out []byte
	for len(ents) > 0 {
		k, used := 0, uint64(0)
		for k < len(ents) && used+disk.SizeDirent+uint64(len(ents[k].name)) <= b.blksz {
			used += disk.SizeDirent + uint64(len(ents[k].name))
			k++
		}
		blk := make([]byte, disk.SizeDirent*k)
		nameoff := disk.SizeDirent * k
		for j, e := range ents[:k] {
			d := blk[j*disk.SizeDirent:]
			binary.LittleEndian.PutUint64(d[0:8], e.nid)
			binary.LittleEndian.PutUint16(d[8:10], uint16(nameoff))
			d[10] = e.ftype
			nameoff += len(e.name)
		}
		for _, e := range ents[:k] {
			blk = append(blk, e.name...)
		}
		ents = ents[k:]
		if len(ents) > 0 {
			blk = append(blk, make([]byte, b.blksz-uint64(len(blk)))...)
		}
		out = append(out, blk...)
	}
	return out
}

// plan computes the layout and the metadata footprint of n.
func (b *builder) plan(n *built) error {
	node := n.node
	n.isize = disk.SizeInodeCompact
	if b.extended(n) {
		n.isize = disk.SizeInodeExtended
	}
	if len(node.Xattrs)+len(node.SharedXattrs) > 0 {
		size := uint64(disk.SizeXattrBodyHeader + 4*len(node.SharedXattrs))
		for _, x := range node.Xattrs {
			size += uint64(len(encodeXattr(x)))
		}
		n.xsize = size
	}

	n.nlink = 1
	size := uint64(len(n.data))
	switch node.Mode & disk.S_IFMT {
	case disk.S_IFDIR:
		n.nlink = 2
		for _, c := range n.children {
			if c.node.Mode&disk.S_IFMT == disk.S_IFDIR {
				n.nlink++
			}
		}
		// Placeholder nids, the size does not depend on them.
		n.data = b.encodeDir(n)
		size = uint64(len(n.data))
	case disk.S_IFREG, disk.S_IFLNK:
	default:
		n.layout = disk.LayoutFlatPlain
		n.meta = n.isize + n.xsize
		return nil
	}

	switch {
	case node.Layout == LayoutChunk:
		n.layout = disk.LayoutChunkBased
		n.unit = disk.SizeBlockMapEntry
		if node.ChunkIndexes {
			n.unit = disk.SizeChunkIndex
		}
		chunksz := b.blksz << node.ChunkBits
		n.chunks = (size + chunksz - 1) / chunksz
		base := n.isize + n.xsize
		n.meta = (base+n.unit-1)/n.unit*n.unit + n.chunks*n.unit
		return nil
	case size == 0 || node.Layout == LayoutPlain || size%b.blksz == 0:
		n.layout = disk.LayoutFlatPlain
	case n.isize+n.xsize+size%b.blksz <= b.blksz:
		n.layout = disk.LayoutFlatInline
		n.tail = size % b.blksz
	default:
		if node.Layout == LayoutInline {
			return fmt.Errorf("%s: inline tail does not fit a block", n.path)
		}
		n.layout = disk.LayoutFlatPlain
	}
	n.meta = n.isize + n.xsize + n.tail
	return nil
}

func (b *builder) extended(n *built) bool {
	node := n.node
	return node.Extended || uint64(len(node.Data)) > 0xffffffff ||
		node.UID > 0xffff || node.GID > 0xffff || node.Mtime != 0
}

// allocate assigns data blocks to n starting at next and returns the first
// free block after them.
func (b *builder) allocate(n *built, next uint32) uint32 {
	size := uint64(len(n.data))
	switch n.layout {
	case disk.LayoutFlatPlain:
		if size == 0 {
			return next
		}
		n.blkaddr = next
		return next + uint32((size+b.blksz-1)/b.blksz)
	case disk.LayoutFlatInline:
		n.blkaddr = next
		return next + uint32(size/b.blksz)
	case disk.LayoutChunkBased:
		n.blkaddr = next
		chunkBlocks := uint64(1) << n.node.ChunkBits
		for c := range n.chunks {
			if slices.Contains(n.node.Holes, int(c)) {
				continue
			}
			left := (size - c*(b.blksz<<n.node.ChunkBits) + b.blksz - 1) / b.blksz
			next += uint32(min(chunkBlocks, left))
		}
		return next
	}
	return next
}

func (b *builder) writeInode(img []byte, off uint64, n *built) error {
	node := n.node
	format := uint16(n.layout) << disk.InodeLayoutBit
	var icount uint16
	if n.xsize > 0 {
		icount = uint16((n.xsize-disk.SizeXattrBodyHeader)/4 + 1)
	}

	var iu uint32
	switch n.layout {
	case disk.LayoutFlatPlain, disk.LayoutFlatInline:
		iu = n.blkaddr
	case disk.LayoutChunkBased:
		iu = uint32(node.ChunkBits)
		if node.ChunkIndexes {
			iu |= disk.LayoutChunkFormatIndexes
		}
	}
	switch node.Mode & disk.S_IFMT {
	case disk.S_IFCHR, disk.S_IFBLK:
		iu = node.Rdev
	case disk.S_IFIFO, disk.S_IFSOCK:
		iu = 0
	}

	size := uint64(len(n.data))
	if n.isize == disk.SizeInodeExtended {
		ino := disk.InodeExtended{
			Format:     format | 1,
			XattrCount: icount,
			Mode:       node.Mode,
			Size:       size,
			InodeData:  iu,
			Inode:      n.ino,
			UID:        node.UID,
			GID:        node.GID,
			Mtime:      node.Mtime,
			MtimeNs:    node.MtimeNs,
			Nlink:      n.nlink,
		}
		if _, err := binary.Encode(img[off:], binary.LittleEndian, &ino); err != nil {
			return err
		}
	} else {
		ino := disk.InodeCompact{
			Format:     format,
			XattrCount: icount,
			Mode:       node.Mode,
			Nlink:      uint16(n.nlink),
			Size:       uint32(size),
			InodeData:  iu,
			Inode:      n.ino,
			UID:        uint16(node.UID),
			GID:        uint16(node.GID),
		}
		if _, err := binary.Encode(img[off:], binary.LittleEndian, &ino); err != nil {
			return err
		}
	}

	p := off + n.isize
	if n.xsize > 0 {
		h := disk.XattrHeader{SharedCount: uint8(len(n.shared))}
		if _, err := binary.Encode(img[p:], binary.LittleEndian, &h); err != nil {
			return err
		}
		q := p + disk.SizeXattrBodyHeader
		for _, idx := range n.shared {
			binary.LittleEndian.PutUint32(img[q:], idx)
			q += 4
		}
		for _, x := range node.Xattrs {
			q += uint64(copy(img[q:], encodeXattr(x)))
		}
		p += n.xsize
	}

	switch n.layout {
	case disk.LayoutFlatPlain:
		copy(img[uint64(n.blkaddr)*b.blksz:], n.data)
	case disk.LayoutFlatInline:
		head := size - n.tail
		copy(img[uint64(n.blkaddr)*b.blksz:], n.data[:head])
		copy(img[p:], n.data[head:])
	case disk.LayoutChunkBased:
		chunksz := b.blksz << node.ChunkBits
		p = (p + n.unit - 1) / n.unit * n.unit
		blk := n.blkaddr
		for c := range n.chunks {
			addr := uint32(disk.NullAddr)
			if !slices.Contains(node.Holes, int(c)) {
				addr = blk
				chunk := n.data[c*chunksz : min(size, (c+1)*chunksz)]
				copy(img[uint64(blk)*b.blksz:], chunk)
				blk += uint32((uint64(len(chunk)) + b.blksz - 1) / b.blksz)
			}
			if n.unit == disk.SizeChunkIndex {
				idx := disk.ChunkIndex{DeviceID: node.DeviceID, BlkAddr: addr}
				if _, err := binary.Encode(img[p:], binary.LittleEndian, &idx); err != nil {
					return err
				}
			} else {
				binary.LittleEndian.PutUint32(img[p:], addr)
			}
			p += n.unit
		}
	}
	return nil
}
