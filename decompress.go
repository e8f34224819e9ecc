package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// decompressors maps a Compression tag to the function that inflates one
// block's worth of compressed bytes. Registered unconditionally from init()
// below: unlike the teacher, this package needs Gzip, Xz and Zstd support in
// every build, so none of this sits behind a build tag.
var decompressors = map[Compression]func(r io.Reader) (io.Reader, error){}

func registerDecompressor(c Compression, f func(r io.Reader) (io.Reader, error)) {
	decompressors[c] = f
}

func init() {
	// SquashFS's "gzip" compressor is zlib (RFC1950) framed, not gzip
	// (RFC1952) framed: it carries no filename/mtime header or CRC32
	// trailer, just a two-byte zlib header and an Adler-32 checksum.
	registerDecompressor(GZip, func(r io.Reader) (io.Reader, error) {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	})
	registerDecompressor(XZ, func(r io.Reader) (io.Reader, error) {
		return xz.NewReader(r)
	})
	registerDecompressor(ZSTD, func(r io.Reader) (io.Reader, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	})
}

// decompressBlock inflates a single compressed block into a buffer no larger
// than limit, returning a *DecompressError wrapping ErrInvalidBufferSize if
// the algorithm produces more bytes than that (metadata blocks cap at 8KiB decompressed).
// Metadata chaining (metadataStream.Read) relies on the returned slice's
// length being the block's *real* decoded length, short or not, to know
// when to advance to the next block — so this must never pad its result.
func decompressBlock(algo Compression, compressed []byte, limit int) ([]byte, error) {
	mk, ok := decompressors[algo]
	if !ok {
		return nil, &DecompressError{Algo: algo, Err: ErrUnsupportedCompression}
	}
	r, err := mk(bytes.NewReader(compressed))
	if err != nil {
		return nil, &DecompressError{Algo: algo, Err: err}
	}
	out := make([]byte, 0, limit)
	buf := bytes.NewBuffer(out)
	n, err := io.CopyN(buf, r, int64(limit)+1)
	if err != nil && err != io.EOF {
		return nil, &DecompressError{Algo: algo, Err: err}
	}
	if n > int64(limit) {
		return nil, &DecompressError{Algo: algo, Err: ErrInvalidBufferSize}
	}
	return buf.Bytes(), nil
}

// decompressDataBlock inflates a compressed data block into a buffer of
// exactly blockSize bytes, zero-padded past whatever the algorithm actually
// produced. Unlike decompressBlock, this is used only for file data blocks:
// the decoded-block cache in data.go is keyed by on-disk offset and must
// always hand back a fixed-size slab, since a file's final block is usually
// shorter than blockSize once decompressed but callers recover the real
// length from the inode's file size, not from len(buf). Mirrors the
// original implementation's pre-zeroed fixed-size decompression buffer.
func decompressDataBlock(algo Compression, compressed []byte, blockSize int) ([]byte, error) {
	mk, ok := decompressors[algo]
	if !ok {
		return nil, &DecompressError{Algo: algo, Err: ErrUnsupportedCompression}
	}
	r, err := mk(bytes.NewReader(compressed))
	if err != nil {
		return nil, &DecompressError{Algo: algo, Err: err}
	}
	out := make([]byte, blockSize)
	_, err = io.ReadFull(r, out)
	switch err {
	case nil:
		var extra [1]byte
		if m, _ := r.Read(extra[:]); m > 0 {
			return nil, &DecompressError{Algo: algo, Err: ErrInvalidBufferSize}
		}
	case io.ErrUnexpectedEOF, io.EOF:
		// Fewer than blockSize bytes decoded: the common case for a file's
		// last block. out past the decoded length stays zeroed.
	default:
		return nil, &DecompressError{Algo: algo, Err: err}
	}
	return out, nil
}
