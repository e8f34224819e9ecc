package squashfs

import (
	"encoding/binary"
	"io"
)

// metadataHeaderSize is the size of a metadata block's length header.
const metadataHeaderSize = 2

// metadataBlockLimit is the maximum size, in bytes, of a metadata block once
// decompressed. Directory, inode, fragment and export tables are all built
// out of chains of these blocks.
const metadataBlockLimit = 8192

// metadataStream walks a chain of metadata blocks starting at a fixed
// on-disk offset, presenting their decompressed contents as one flat byte
// stream. This replaces two byte-for-byte duplicated readers the teacher
// carried (one for the inode table, one for every other table): both the
// inode table loader and the directory table loader are just different
// starting offsets into the same kind of chain.
type metadataStream struct {
	sb   *Superblock
	offt int64  // absolute offset of the next block header to read
	buf  []byte // unread bytes of the current block
}

// newMetadataStream opens a stream at the given on-disk byte offset. If
// skip is non-zero, that many bytes are discarded from the first
// decompressed block (used when start comes from an InodeRef or directory
// header whose offset points into the middle of a block).
func newMetadataStream(sb *Superblock, start int64, skip int) (*metadataStream, error) {
	m := &metadataStream{sb: sb, offt: start}
	if err := m.readBlock(); err != nil {
		return nil, err
	}
	if skip != 0 {
		if skip > len(m.buf) {
			return nil, &MetadataError{Kind: InvalidDataLength}
		}
		m.buf = m.buf[skip:]
	}
	return m, nil
}

func (m *metadataStream) readBlock() error {
	head := make([]byte, metadataHeaderSize)
	if _, err := m.sb.fs.ReadAt(head, m.offt); err != nil {
		return &MetadataError{Kind: ReadFailureKind, Err: err}
	}
	lenN := m.sb.order.Uint16(head)
	uncompressed := lenN&0x8000 != 0
	lenN &= 0x7fff

	data := make([]byte, int(lenN))
	if _, err := m.sb.fs.ReadAt(data, m.offt+metadataHeaderSize); err != nil {
		return &MetadataError{Kind: ReadFailureKind, Err: err}
	}

	if !uncompressed {
		out, err := decompressBlock(m.sb.Comp, data, metadataBlockLimit)
		if err != nil {
			return &MetadataError{Kind: InvalidMetadataKind, Err: err}
		}
		data = out
	} else if len(data) > metadataBlockLimit {
		return &MetadataError{Kind: InvalidDataLength}
	}

	m.offt += metadataHeaderSize + int64(lenN)
	m.buf = data
	return nil
}

// Read implements io.Reader, transparently chasing to the next metadata
// block once the current one is exhausted.
func (m *metadataStream) Read(p []byte) (int, error) {
	if len(m.buf) == 0 {
		if err := m.readBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

// readMetadataBlockAt decodes exactly one metadata block at the given
// offset, ignoring any chaining — used by the fragment table loader, which
// addresses single blocks directly rather than streaming through them.
func readMetadataBlockAt(sb *Superblock, offt int64) ([]byte, error) {
	head := make([]byte, metadataHeaderSize)
	if _, err := sb.fs.ReadAt(head, offt); err != nil {
		return nil, &MetadataError{Kind: ReadFailureKind, Err: err}
	}
	lenN := sb.order.Uint16(head)
	uncompressed := lenN&0x8000 != 0
	lenN &= 0x7fff

	data := make([]byte, int(lenN))
	if _, err := sb.fs.ReadAt(data, offt+metadataHeaderSize); err != nil {
		return nil, &MetadataError{Kind: ReadFailureKind, Err: err}
	}
	if uncompressed {
		return data, nil
	}
	out, err := decompressBlock(sb.Comp, data, metadataBlockLimit)
	if err != nil {
		return nil, &MetadataError{Kind: InvalidMetadataKind, Err: err}
	}
	return out, nil
}

func (sb *Superblock) newInodeStream(ino inodeRef) (*metadataStream, error) {
	return newMetadataStream(sb, int64(sb.InodeTableStart)+int64(ino.Index()), int(ino.Offset()))
}

func readUint16(r io.Reader, order binary.ByteOrder) (uint16, error) {
	var v uint16
	err := binary.Read(r, order, &v)
	return v, err
}

func readUint32(r io.Reader, order binary.ByteOrder) (uint32, error) {
	var v uint32
	err := binary.Read(r, order, &v)
	return v, err
}

func readUint64(r io.Reader, order binary.ByteOrder) (uint64, error) {
	var v uint64
	err := binary.Read(r, order, &v)
	return v, err
}
