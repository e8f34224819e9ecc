package squashfs

import (
	"context"
	"io"
)

// readFile implements the file data read path: pick an access policy based
// on file size and the caller's requested flags, then either read the whole
// file in one shot (optionally through the whole-file cache) or walk the
// regular per-block path, resolving the fragment tail and zero-filling
// sparse blocks as needed. buf is filled starting at its beginning; buf is
// first cut to the bytes left in the file past offset, so the returned int
// is min(len(buf), file size - offset) on success.
//
// Two distinct whole-file policies exist, and only one of them checks
// flags:
//
//  1. A file smaller than one block is always read in a single direct,
//     unbuffered pass, regardless of what the caller asked for: bookkeeping
//     a block-cache entry or a pooled buffered reader for one block costs
//     more than it saves.
//  2. A file under Options.DirectLimit, with no fragment tail, read by a
//     caller that explicitly opened it with ODirect, goes through the same
//     single-pass whole-file read but coalesced through the whole-file
//     cache, so repeat reads of the same small file skip disk entirely.
func (img *Image) readFile(ctx context.Context, f fileInode, flags OpenFlags, offset int64, buf []byte) (int, error) {
	size := int64(f.FileSize())
	if offset < 0 || offset > size {
		return 0, ErrInvalidOffset
	}
	if offset+int64(len(buf)) > size {
		buf = buf[:size-offset]
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if size < int64(img.sb.BlockSize) {
		data, err := img.readWhole(ctx, f, true)
		if err != nil {
			return 0, err
		}
		return copy(buf, data[offset:]), nil
	}

	hasFragTail := f.fragment().valid()
	wholeCacheable := flags&ODirect != 0 && !hasFragTail &&
		img.directLimit > 0 && size < int64(img.directLimit) && img.wholeFiles.enabled()
	if wholeCacheable {
		data, err := img.wholeFiles.getOrLoad(f.Number(), func() ([]byte, error) {
			return img.readWhole(ctx, f, true)
		})
		if err != nil {
			return 0, err
		}
		return copy(buf, data[offset:]), nil
	}

	return img.readRegular(ctx, f, offset, buf)
}

// readWhole reads a file's entire contents in one pass, bypassing the
// decoded-block cache. Every regular (non-sparse) block is fetched from
// disk with a single unbuffered read spanning the whole compressed span
// [first_block_start, first_block_start+sum(compressed_size)), then each
// block is decompressed in turn from that in-memory copy — one pool
// checkout and one syscall for the whole file, not one per block.
func (img *Image) readWhole(ctx context.Context, f fileInode, direct bool) ([]byte, error) {
	out := make([]byte, 0, f.FileSize())
	blocks := f.blockSizes()
	start := f.startBlock()

	span := uint64(0)
	for _, b := range blocks {
		if !b.sparse() {
			span += uint64(b.length())
		}
	}

	var raw []byte
	if span > 0 {
		raw = make([]byte, span)
		if err := img.readAt(ctx, direct, raw, int64(start)); err != nil {
			return nil, &ReadFailureError{Err: err}
		}
	}

	rawOfft := uint64(0)
	for _, b := range blocks {
		switch {
		case b.sparse():
			out = append(out, make([]byte, min64(int64(img.sb.BlockSize), int64(f.FileSize())-int64(len(out))))...)
		default:
			chunk := raw[rawOfft : rawOfft+uint64(b.length())]
			rawOfft += uint64(b.length())
			if b.uncompressed() {
				out = append(out, chunk...)
				continue
			}
			data, err := decompressDataBlock(img.sb.Comp, chunk, int(img.sb.BlockSize))
			if err != nil {
				return nil, err
			}
			want := int(img.sb.BlockSize)
			if remaining := int(f.FileSize()) - len(out); remaining < want {
				want = remaining
			}
			out = append(out, data[:want]...)
		}
	}
	if hasFrag := f.fragment(); hasFrag.valid() {
		tail, err := img.sb.fragTable.read(hasFrag)
		if err != nil {
			return nil, err
		}
		remaining := int(f.FileSize()) - len(out)
		if remaining > len(tail) {
			remaining = len(tail)
		}
		out = append(out, tail[:remaining]...)
	}
	if int64(len(out)) > int64(f.FileSize()) {
		out = out[:f.FileSize()]
	}
	return out, nil
}

// readRegular implements the block-math read path for files at least one
// block in size: it locates the first and last block touched by
// [offset, offset+len(buf)), fetches each through the decoded-block cache,
// and resolves a fragment tail at most once.
func (img *Image) readRegular(ctx context.Context, f fileInode, offset int64, buf []byte) (int, error) {
	blockSz := int64(img.sb.BlockSize)
	block := int(offset / blockSz)
	skip := int(offset % blockSz)

	blocks := f.blockSizes()
	start := f.startBlock()

	// Precompute each block's on-disk start offset relative to start, so
	// random access to block i doesn't require re-walking blocks 0..i-1.
	offsets := make([]uint64, len(blocks))
	acc := uint64(0)
	for i, b := range blocks {
		offsets[i] = acc
		if !b.sparse() {
			acc += uint64(b.length())
		}
	}

	n := 0
	for n < len(buf) && block < len(blocks) {
		b := blocks[block]

		var data []byte
		var err error
		if b.sparse() {
			data = make([]byte, blockSz)
		} else {
			data, err = img.readDataBlock(ctx, false, start+offsets[block], b)
		}
		if err != nil {
			return n, err
		}

		if skip > 0 {
			if skip >= len(data) {
				skip -= len(data)
				block++
				continue
			}
			data = data[skip:]
			skip = 0
		}

		n += copy(buf[n:], data)
		block++
	}

	// Anything still missing lives in the fragment tail: at most one per
	// file, addressed directly rather than as one more entry in blocks.
	if n < len(buf) {
		loc := f.fragment()
		if !loc.valid() {
			return n, &InodeTableError{Kind: InvalidDataLength}
		}
		tail, err := img.sb.fragTable.read(loc)
		if err != nil {
			return n, err
		}
		if skip > 0 {
			if skip > len(tail) {
				return n, &InodeTableError{Kind: InvalidDataLength}
			}
			tail = tail[skip:]
		}
		n += copy(buf[n:], tail)
	}

	return n, nil
}

// readDataBlock fetches one non-sparse data block at absolute offset
// start, going through the decoded-block cache (keyed by start, which is
// unique per block across the whole image). direct selects which reader
// pool flavor backs the underlying disk read. The cached value is always
// exactly BlockSize bytes, zero-padded when the real block (typically a
// file's last one) decodes shorter — the cache must never store a buffer
// whose length differs from the image's block size, since callers recover
// the true length from the inode's file size, not from the cached slice.
func (img *Image) readDataBlock(ctx context.Context, direct bool, start uint64, b blockSize) ([]byte, error) {
	return img.blocks.getOrLoad(int64(start), func() ([]byte, error) {
		raw := make([]byte, b.length())
		if err := img.readAt(ctx, direct, raw, int64(start)); err != nil {
			return nil, &ReadFailureError{Err: err}
		}
		if b.uncompressed() {
			if len(raw) == int(img.sb.BlockSize) {
				return raw, nil
			}
			out := make([]byte, img.sb.BlockSize)
			copy(out, raw)
			return out, nil
		}
		return decompressDataBlock(img.sb.Comp, raw, int(img.sb.BlockSize))
	})
}

// readAt performs one positioned read, going through the reader pool when
// one is configured (Open) and directly against the backing reader
// otherwise (FromReader).
func (img *Image) readAt(ctx context.Context, direct bool, buf []byte, off int64) error {
	if img.pools == nil {
		_, err := img.sb.fs.ReadAt(buf, off)
		return err
	}
	return img.pools.withReader(ctx, direct, func(r io.ReaderAt) error {
		_, err := r.ReadAt(buf, off)
		return err
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
