package squashfs

import (
	"encoding/binary"
	"io"
	"io/fs"
)

// Inode is implemented by every decoded inode variant. Device nodes, fifos
// and sockets decode only as far as the common header (their payload is
// read and discarded) and satisfy nothing beyond this interface.
type Inode interface {
	Type() Type
	Number() uint32
	Mode() fs.FileMode
	uidIdx() uint16
	gidIdx() uint16
	modTime() int32
}

// fileInode is implemented by BasicFile and ExtendedFile.
type fileInode interface {
	Inode
	FileSize() uint64
	startBlock() uint64
	blockSizes() []blockSize
	fragment() fragmentLocation
}

// directoryInode is implemented by BasicDirectory and ExtendedDirectory.
type directoryInode interface {
	Inode
	DirSize() uint32
	dirStartBlock() uint32
	dirOffset() uint32
	ParentNumber() uint32
}

// symlinkInode is implemented by BasicSymlink.
type symlinkInode interface {
	Inode
	Target() []byte
}

// blockSize decodes a data block's 32-bit size field: the low 24 bits are
// the on-disk (possibly compressed) length, bit 24 marks the block as
// stored uncompressed, and a zero length marks a fully sparse block that
// must never be read from disk or looked up in any cache.
type blockSize uint32

func (b blockSize) length() uint32       { return uint32(b) & 0xffffff }
func (b blockSize) uncompressed() bool   { return uint32(b)&0x1000000 != 0 }
func (b blockSize) sparse() bool         { return b.length() == 0 }

type inodeHeader struct {
	typ     Type
	perm    uint16
	uidI    uint16
	gidI    uint16
	mtime   int32
	ino     uint32
}

func (h inodeHeader) Type() Type        { return h.typ }
func (h inodeHeader) Number() uint32    { return h.ino }
func (h inodeHeader) uidIdx() uint16    { return h.uidI }
func (h inodeHeader) gidIdx() uint16    { return h.gidI }
func (h inodeHeader) modTime() int32    { return h.mtime }
func (h inodeHeader) Mode() fs.FileMode { return h.typ.Mode() }

func decodeInodeHeader(r io.Reader, order binary.ByteOrder) (inodeHeader, error) {
	var h inodeHeader
	fields := []interface{}{&h.typ, &h.perm, &h.uidI, &h.gidI, &h.mtime, &h.ino}
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return h, &InodeTableError{Kind: ReadFailureKind, Err: err}
		}
	}
	return h, nil
}

// BasicDirectory is the compact directory inode variant (size < 8KiB,
// fewer than 65536 hard links, no directory index).
type BasicDirectory struct {
	inodeHeader
	block     uint32
	nlink     uint32
	size      uint16
	offt      uint16
	parentIno uint32
}

func (d *BasicDirectory) DirSize() uint32      { return uint32(d.size) }
func (d *BasicDirectory) dirStartBlock() uint32 { return d.block }
func (d *BasicDirectory) dirOffset() uint32     { return uint32(d.offt) }
func (d *BasicDirectory) ParentNumber() uint32  { return d.parentIno }
func (d *BasicDirectory) Mode() fs.FileMode     { return UnixToMode(uint32(d.perm)) | d.typ.Mode() }

// ExtendedDirectory adds a 32-bit size, a directory index and an xattr
// reference over BasicDirectory.
type ExtendedDirectory struct {
	inodeHeader
	nlink     uint32
	size      uint32
	block     uint32
	parentIno uint32
	idxCount  uint16
	offt      uint16
	xattrIdx  uint32
}

func (d *ExtendedDirectory) DirSize() uint32      { return d.size }
func (d *ExtendedDirectory) dirStartBlock() uint32 { return d.block }
func (d *ExtendedDirectory) dirOffset() uint32     { return uint32(d.offt) }
func (d *ExtendedDirectory) ParentNumber() uint32  { return d.parentIno }
func (d *ExtendedDirectory) Mode() fs.FileMode     { return UnixToMode(uint32(d.perm)) | d.typ.Mode() }

// BasicFile is the compact regular-file inode variant.
type BasicFile struct {
	inodeHeader
	block  uint32
	frag   fragmentLocation
	size   uint32
	blocks []blockSize
}

func (f *BasicFile) FileSize() uint64           { return uint64(f.size) }
func (f *BasicFile) startBlock() uint64         { return uint64(f.block) }
func (f *BasicFile) blockSizes() []blockSize    { return f.blocks }
func (f *BasicFile) fragment() fragmentLocation { return f.frag }
func (f *BasicFile) Mode() fs.FileMode          { return UnixToMode(uint32(f.perm)) | f.typ.Mode() }

// ExtendedFile adds a 64-bit size, sparse byte count, nlink and xattr
// reference over BasicFile.
type ExtendedFile struct {
	inodeHeader
	block    uint64
	size     uint64
	sparse   uint64
	nlink    uint32
	frag     fragmentLocation
	xattrIdx uint32
	blocks   []blockSize
}

func (f *ExtendedFile) FileSize() uint64           { return f.size }
func (f *ExtendedFile) startBlock() uint64         { return f.block }
func (f *ExtendedFile) blockSizes() []blockSize    { return f.blocks }
func (f *ExtendedFile) fragment() fragmentLocation { return f.frag }
func (f *ExtendedFile) Mode() fs.FileMode          { return UnixToMode(uint32(f.perm)) | f.typ.Mode() }

// BasicSymlink carries the literal target path; resolving it against the
// directory tree is done by Image.LookupPath (see squashfs.go), not here.
type BasicSymlink struct {
	inodeHeader
	nlink  uint32
	target []byte
}

func (s *BasicSymlink) Target() []byte   { return s.target }
func (s *BasicSymlink) Mode() fs.FileMode { return UnixToMode(0777) | s.typ.Mode() }

const maxSymlinkTarget = 4096

// decodeInode reads one inode's full record (header + variant payload) from
// r. Device nodes, fifos and sockets decode their header only and are
// returned as a bare *inodeHeader value satisfying Inode but nothing more;
// callers are expected to skip them, matching this package's read-only,
// regular-file/directory/symlink scope.
func decodeInode(r io.Reader, order binary.ByteOrder, blockSize_ uint32, inoOfft uint64) (Inode, error) {
	h, err := decodeInodeHeader(r, order)
	if err != nil {
		return nil, err
	}
	h.ino += uint32(inoOfft)

	switch h.typ {
	case DirType:
		d := &BasicDirectory{inodeHeader: h}
		if err := decodeFields(r, order,
			&d.block, &d.nlink, &d.size, &d.offt, &d.parentIno); err != nil {
			return nil, err
		}
		return d, nil
	case XDirType:
		d := &ExtendedDirectory{inodeHeader: h}
		if err := decodeFields(r, order,
			&d.nlink, &d.size, &d.block, &d.parentIno, &d.idxCount, &d.offt, &d.xattrIdx); err != nil {
			return nil, err
		}
		// Skip the directory index entries (index, start, name size, then
		// name size+1 name bytes) so the next inode in the stream lines up.
		for i := uint16(0); i < d.idxCount; i++ {
			var index, start, nameSize uint32
			if err := decodeFields(r, order, &index, &start, &nameSize); err != nil {
				return nil, err
			}
			if _, err := io.CopyN(io.Discard, r, int64(nameSize)+1); err != nil {
				return nil, &InodeTableError{Kind: ReadFailureKind, Err: err}
			}
		}
		return d, nil
	case FileType:
		f := &BasicFile{inodeHeader: h}
		var frag, fragOfft, size32 uint32
		if err := decodeFields(r, order, &f.block, &frag, &fragOfft, &size32); err != nil {
			return nil, err
		}
		f.size = size32
		f.frag = fragmentLocation{block: frag, offset: fragOfft}
		blocks, err := decodeBlockList(r, order, uint64(f.size), blockSize_, f.frag.valid())
		if err != nil {
			return nil, err
		}
		f.blocks = blocks
		return f, nil
	case XFileType:
		f := &ExtendedFile{inodeHeader: h}
		var frag, fragOfft uint32
		if err := decodeFields(r, order, &f.block, &f.size, &f.sparse, &f.nlink, &frag, &fragOfft, &f.xattrIdx); err != nil {
			return nil, err
		}
		f.frag = fragmentLocation{block: frag, offset: fragOfft}
		blocks, err := decodeBlockList(r, order, f.size, blockSize_, f.frag.valid())
		if err != nil {
			return nil, err
		}
		f.blocks = blocks
		return f, nil
	case SymlinkType, XSymlinkType:
		s := &BasicSymlink{inodeHeader: h}
		var targetLen uint32
		if err := decodeFields(r, order, &s.nlink, &targetLen); err != nil {
			return nil, err
		}
		if targetLen > maxSymlinkTarget {
			return nil, &InodeTableError{Kind: InvalidDataLength}
		}
		buf := make([]byte, targetLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, &InodeTableError{Kind: ReadFailureKind, Err: err}
		}
		s.target = buf
		if h.typ == XSymlinkType {
			var xattrIdx uint32
			if err := decodeFields(r, order, &xattrIdx); err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		// Block/char devices, fifos and sockets: out of scope for a
		// read-only content reader, so only the common header is kept.
		// Their payload is read and discarded.
		var skip int64
		switch h.typ {
		case FifoType, SocketType:
			skip = 4 // nlink
		case BlockDevType, CharDevType, XFifoType, XSocketType:
			skip = 8 // nlink + rdev, or nlink + xattr
		case XBlockDevType, XCharDevType:
			skip = 12 // nlink + rdev + xattr
		}
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, &InodeTableError{Kind: ReadFailureKind, Err: err}
		}
		return &h, nil
	}
}

// decodeFields reads a sequence of fixed-width fields in order, wrapping
// the first failure as an InodeTableError.
func decodeFields(r io.Reader, order binary.ByteOrder, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return &InodeTableError{Kind: ReadFailureKind, Err: err}
		}
	}
	return nil
}

// decodeBlockList reads the file's array of per-block size fields. A file
// whose last block is a fragment has one fewer entry than a file of the
// same size with no fragment.
func decodeBlockList(r io.Reader, order binary.ByteOrder, size uint64, blockSize uint32, hasFragment bool) ([]blockSize, error) {
	n := int(size / uint64(blockSize))
	if !hasFragment && size%uint64(blockSize) != 0 {
		n++
	}
	blocks := make([]blockSize, n)
	for i := range blocks {
		v, err := readUint32(r, order)
		if err != nil {
			return nil, &InodeTableError{Kind: ReadFailureKind, Err: err}
		}
		blocks[i] = blockSize(v)
	}
	return blocks, nil
}
