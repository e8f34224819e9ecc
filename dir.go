package squashfs

import (
	"hash/fnv"
	"io"
)

// dirEntry is one decoded row of a directory's entry list.
type dirEntry struct {
	name   string
	typ    Type
	number uint32
	ref    inodeRef
}

// directoryTable holds every entry of one directory, decoded once and kept
// for the lifetime of the Image, plus a name->entry-index multimap for
// fast lookups. Names are grouped by hash rather than indexed 1:1 because
// distinct names can (and in adversarial or hand-built images, do) share a
// hash; resolving a lookup always does an exact string comparison over the
// candidate group, never trusts the first hash hit.
type directoryTable struct {
	entries []dirEntry
	byHash  map[uint64][]int
}

func nameHash(name string) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, name)
	return h.Sum64()
}

// find resolves name to its entry, or reports it missing.
func (dt *directoryTable) find(name string) (dirEntry, bool) {
	for _, idx := range dt.byHash[nameHash(name)] {
		if dt.entries[idx].name == name {
			return dt.entries[idx], true
		}
	}
	return dirEntry{}, false
}

// loadDirectory decodes the full entry list of the directory described by
// d, starting its metadata stream at d's start block and in-block offset
// per spec.md's directory table layout (12-byte header, then count+1
// per-header entries).
func loadDirectory(sb *Superblock, d directoryInode) (*directoryTable, error) {
	dt := &directoryTable{byHash: map[uint64][]int{}}
	size := int64(d.DirSize())
	if size <= 3 {
		// An empty directory still carries a 3-byte trailer the format
		// always writes; nothing to decode.
		return dt, nil
	}

	ms, err := newMetadataStream(sb, int64(sb.DirTableStart)+int64(d.dirStartBlock()), int(d.dirOffset()))
	if err != nil {
		return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
	}
	r := &io.LimitedReader{R: ms, N: size}

	for r.N > 3 {
		count, err := readUint32(r, sb.order)
		if err != nil {
			return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
		}
		startBlock, err := readUint32(r, sb.order)
		if err != nil {
			return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
		}
		inodeBase, err := readUint32(r, sb.order)
		if err != nil {
			return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
		}

		for i := uint32(0); i <= count; i++ {
			offset, err := readUint16(r, sb.order)
			if err != nil {
				return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
			}
			inoOfftRaw, err := readUint16(r, sb.order)
			if err != nil {
				return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
			}
			inoOfft := int16(inoOfftRaw)
			typRaw, err := readUint16(r, sb.order)
			if err != nil {
				return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
			}
			nameSize, err := readUint16(r, sb.order)
			if err != nil {
				return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
			}
			name := make([]byte, int(nameSize)+1)
			if _, err := io.ReadFull(r, name); err != nil {
				return nil, &DirectoryTableError{Kind: ReadFailureKind, Err: err}
			}

			number := uint32(int32(inodeBase)+int32(inoOfft)) + uint32(sb.inoOfft)
			e := dirEntry{
				name:   string(name),
				typ:    Type(typRaw),
				number: number,
				ref:    inodeRef((uint64(startBlock) << 16) | uint64(offset)),
			}
			idx := len(dt.entries)
			dt.entries = append(dt.entries, e)
			h := nameHash(e.name)
			dt.byHash[h] = append(dt.byHash[h], idx)
		}
	}
	return dt, nil
}
