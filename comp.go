package squashfs

import "fmt"

// Compression identifies the algorithm used to compress metadata and data
// blocks in a SquashFS image. The on-disk tag is a 16-bit enum; this package
// only implements decoders for GZip, XZ and Zstd (see decompress.go); the
// others are recognized but yield ErrUnsupportedCompression.
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (c Compression) String() string {
	switch c {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", c)
}

// Supported reports whether this package can decompress the given algorithm.
func (c Compression) Supported() bool {
	_, ok := decompressors[c]
	return ok
}
