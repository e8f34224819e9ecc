package squashfs

import (
	"bytes"
	"encoding/binary"
	"log"
	"reflect"
)

const squashMagicLE = "hsqs"
const squashMagicBE = "sqsh"

// Superblock is the 96-byte header at the start of every SquashFS image,
// plus the loaded tables (id table, fragment table) needed to answer the
// operations in squashfs.go. See
// https://dr-emann.github.io/squashfs/ for the on-disk layout this mirrors.
type Superblock struct {
	fs    readerAt
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	idTable   []uint32
	fragTable *fragmentsTable

	inoOfft uint64
}

// readerAt is the single collaborator this package requires of its caller:
// random access to the backing image. *os.File, a memory-mapped region or a
// network-backed range reader all satisfy it.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// newSuperblock reads and validates the superblock, then eagerly loads the
// id table and fragment table (both are small, fixed-shape arrays every
// image carries). The inode/directory tables are read lazily, per inode.
func newSuperblock(fs readerAt, opts ...Option) (*Superblock, error) {
	sb := &Superblock{fs: fs}
	for _, o := range opts {
		if err := o(sb); err != nil {
			return nil, &InvalidOptionsError{Reason: err.Error()}
		}
	}

	head := make([]byte, sb.binarySize())
	if _, err := fs.ReadAt(head, 0); err != nil {
		return nil, &ReadFailureError{Err: err}
	}
	if err := sb.unmarshalBinary(head); err != nil {
		return nil, err
	}
	log.Printf("squashfs: superblock loaded, %d inodes, compression=%s, block size=%d", sb.InodeCnt, sb.Comp, sb.BlockSize)

	// Table loading (id table, fragment table, and every later lazy inode
	// and directory read) picks its reader pool once, here, based on the
	// image's total table span: small images stay on the same direct pool
	// used for the superblock itself, large ones switch to the buffered
	// pool, since unbuffered reads only pay off for small random access.
	// FromReader-backed images have no pool to pick from and keep fs as-is.
	if pr, ok := fs.(*pooledTableReader); ok {
		sb.fs = &pooledTableReader{pools: pr.pools, direct: sb.tablesLength() < tablesDirectThreshold}
	}

	if sb.Flags.Has(COMPRESSOR_OPTIONS) {
		if err := sb.skipCompressorOptions(); err != nil {
			return nil, err
		}
	}

	if err := sb.loadIdTable(); err != nil {
		return nil, err
	}

	ft, err := loadFragmentsTable(sb)
	if err != nil {
		return nil, err
	}
	sb.fragTable = ft

	return sb, nil
}

func (sb *Superblock) unmarshalBinary(data []byte) error {
	switch string(data[:4]) {
	case squashMagicLE:
		sb.order = binary.LittleEndian
	case squashMagicBE:
		sb.order = binary.BigEndian
	default:
		return ErrInvalidSuperblock
	}

	v := reflect.ValueOf(sb).Elem()
	r := bytes.NewReader(data)
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue // unexported bookkeeping fields aren't part of the wire layout
		}
		if err := binary.Read(r, sb.order, v.Field(i).Addr().Interface()); err != nil {
			return &ReadFailureError{Err: err}
		}
	}

	if sb.VMajor != 4 || sb.VMinor != 0 {
		return ErrInvalidVersion
	}
	if !sb.Comp.Supported() {
		return &DecompressError{Algo: sb.Comp, Err: ErrUnsupportedCompression}
	}
	return nil
}

func (sb *Superblock) binarySize() int {
	v := reflect.ValueOf(sb).Elem()
	sz := uintptr(0)
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}

// skipCompressorOptions reads and sanity-checks the single metadata block
// that follows the superblock when COMPRESSOR_OPTIONS is set. Only Gzip, Xz
// and Zstd carry meaningful option structs (8, 8 and 4 bytes respectively);
// this package doesn't tune the decoder with them, it only validates their
// length, since a malformed options block is a strong signal of a corrupt
// image.
func (sb *Superblock) skipCompressorOptions() error {
	data, err := readMetadataBlockAt(sb, int64(sb.binarySize()))
	if err != nil {
		return err
	}
	want := 0
	switch sb.Comp {
	case ZSTD:
		want = 4
	case GZip, XZ:
		want = 8
	default:
		return nil
	}
	if len(data) < want {
		return &MetadataError{Kind: InvalidDataLength}
	}
	return nil
}

func (sb *Superblock) loadIdTable() error {
	if sb.IdCount == 0 {
		return nil
	}
	// The id table is an array of 8-byte index entries (one per 8KiB
	// metadata block's worth of ids), each pointing at a metadata block
	// holding up to 2048 uint32 ids. All ids are loaded eagerly here, each
	// index entry's block read on its own with readMetadataBlockAt.
	idxCount := (int(sb.IdCount) + 2047) / 2048
	idxBuf := make([]byte, idxCount*8)
	if _, err := sb.fs.ReadAt(idxBuf, int64(sb.IdTableStart)); err != nil {
		return &ReadFailureError{Err: err}
	}

	ids := make([]uint32, 0, sb.IdCount)
	for i := 0; i < idxCount; i++ {
		blockStart := sb.order.Uint64(idxBuf[i*8:])
		data, err := readMetadataBlockAt(sb, int64(blockStart))
		if err != nil {
			return err
		}
		r := bytes.NewReader(data)
		for r.Len() >= 4 && len(ids) < int(sb.IdCount) {
			v, err := readUint32(r, sb.order)
			if err != nil {
				return &ReadFailureError{Err: err}
			}
			ids = append(ids, v)
		}
	}
	sb.idTable = ids
	return nil
}

// tablesLength is the total byte span of every table past the superblock
// (inode, directory, fragment, id, export), the size the direct-vs-buffered
// pool decision is based on; see pool.go's tablesDirectThreshold.
func (sb *Superblock) tablesLength() uint64 {
	return sb.BytesUsed - sb.InodeTableStart
}

// idAt resolves a uid/gid table index (as stored in an inode) to its
// numeric id. Index 0 is always root per the format, stored explicitly like
// any other entry.
func (sb *Superblock) idAt(idx uint16) uint32 {
	if int(idx) >= len(sb.idTable) {
		return 0
	}
	return sb.idTable[idx]
}
