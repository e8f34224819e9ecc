package squashfs

const fragmentEntrySize = 16 // start(u64) + size(u32) + unused(u32)
const fragmentsPerBlock = 512

// fragmentLocation identifies a file's tail within the fragment table:
// block is the index of the fragment's entry in the flat entry table, and
// offset is the byte offset of this file's tail inside that fragment's
// decompressed data. This is exactly the (fragment_block_index,
// fragment_offset) pair an ExtendedFile/BasicFile inode stores.
type fragmentLocation struct {
	block  uint32
	offset uint32
}

func (l fragmentLocation) valid() bool {
	return l.block != 0xffffffff
}

// fragmentEntry is one decoded row of the fragment table: where the
// fragment's compressed bytes live on disk, and whether they're compressed.
type fragmentEntry struct {
	start        uint64
	size         uint32
	uncompressed bool
}

func (e fragmentEntry) rawSize() uint32 {
	return e.size &^ 0x1000000
}

// fragmentsTable is the decoded fragment index: a flat array of
// fragmentEntry, loaded eagerly from the chain of metadata blocks pointed
// to by the superblock's fragment table, the same layout as the inode id
// table (an index of block-start offsets, one per 512 entries).
type fragmentsTable struct {
	sb      *Superblock
	entries []fragmentEntry
}

func loadFragmentsTable(sb *Superblock) (*fragmentsTable, error) {
	ft := &fragmentsTable{sb: sb}
	if sb.FragCount == 0 {
		return ft, nil
	}

	idxCount := (int(sb.FragCount) + fragmentsPerBlock - 1) / fragmentsPerBlock
	idxBuf := make([]byte, idxCount*8)
	if _, err := sb.fs.ReadAt(idxBuf, int64(sb.FragTableStart)); err != nil {
		return nil, &FragmentsError{Kind: ReadFailureKind, Err: err}
	}

	entries := make([]fragmentEntry, 0, sb.FragCount)
	for i := 0; i < idxCount; i++ {
		blockStart := sb.order.Uint64(idxBuf[i*8:])
		data, err := readMetadataBlockAt(sb, int64(blockStart))
		if err != nil {
			return nil, &FragmentsError{Kind: InvalidMetadataKind, Err: err}
		}
		for off := 0; off+fragmentEntrySize <= len(data) && len(entries) < int(sb.FragCount); off += fragmentEntrySize {
			start := sb.order.Uint64(data[off:])
			size := sb.order.Uint32(data[off+8:])
			entries = append(entries, fragmentEntry{
				start:        start,
				size:         size,
				uncompressed: size&0x1000000 != 0,
			})
		}
	}
	ft.entries = entries
	return ft, nil
}

// entry resolves a fragmentLocation to its table row.
func (ft *fragmentsTable) entry(loc fragmentLocation) (fragmentEntry, error) {
	if !loc.valid() {
		return fragmentEntry{}, &FragmentsError{Kind: InvalidLocationKind}
	}
	idx := int(loc.block)
	if idx < 0 || idx >= len(ft.entries) {
		return fragmentEntry{}, &FragmentsError{Kind: InvalidLocationKind}
	}
	return ft.entries[idx], nil
}

// read loads and decompresses the fragment block for loc, returning its
// bytes from loc.offset to the end of the block. Tails of other files
// stored after this one are included; callers cut to the file's size.
func (ft *fragmentsTable) read(loc fragmentLocation) ([]byte, error) {
	e, err := ft.entry(loc)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.rawSize())
	if _, err := ft.sb.fs.ReadAt(buf, int64(e.start)); err != nil {
		return nil, &FragmentsError{Kind: ReadFailureKind, Err: err}
	}
	if !e.uncompressed {
		buf, err = decompressBlock(ft.sb.Comp, buf, int(ft.sb.BlockSize))
		if err != nil {
			return nil, &FragmentsError{Kind: InvalidEntry, Err: err}
		}
	}
	if int(loc.offset) > len(buf) {
		return nil, &FragmentsError{Kind: InvalidEntry}
	}
	return buf[loc.offset:], nil
}
