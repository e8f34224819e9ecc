package squashfs_test

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	squashfs "github.com/cpg314/squashfs-async"
)

// mockReader implements io.ReaderAt and can be used to simulate errors or
// invalid data for testing error handling.
type mockReader struct {
	data   []byte
	errAt  int64
	errMsg error
}

func (m *mockReader) ReadAt(p []byte, off int64) (int, error) {
	if m.errMsg != nil && off+int64(len(p)) > m.errAt {
		return 0, m.errMsg
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func TestOpenInvalidMagic(t *testing.T) {
	mockInvalid := &mockReader{data: make([]byte, 96)}
	_, err := squashfs.FromReader(mockInvalid, squashfs.Options{})
	if !errors.Is(err, squashfs.ErrInvalidSuperblock) {
		t.Fatalf("expected ErrInvalidSuperblock, got %v", err)
	}
}

func TestOpenTruncated(t *testing.T) {
	data := make([]byte, 96)
	copy(data, "hsqs")
	mockTruncated := &mockReader{
		data:   data,
		errAt:  20,
		errMsg: io.ErrUnexpectedEOF,
	}
	_, err := squashfs.FromReader(mockTruncated, squashfs.Options{})
	if err == nil {
		t.Fatalf("expected error with truncated data, got none")
	}
}

func TestOpenWrongVersion(t *testing.T) {
	data := make([]byte, 96)
	copy(data, "hsqs")
	// VMajor/VMinor sit at bytes 28..32 (Comp, BlockLog, Flags, IdCount precede
	// them, each 2 bytes, after 5 leading 4-byte fields).
	binary.LittleEndian.PutUint16(data[28:], 3) // VMajor=3, want 4
	mockWrongVersion := &mockReader{data: data}
	_, err := squashfs.FromReader(mockWrongVersion, squashfs.Options{})
	if !errors.Is(err, squashfs.ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestOpenUnsupportedCompression(t *testing.T) {
	data := make([]byte, 96)
	copy(data, "hsqs")
	binary.LittleEndian.PutUint16(data[20:], uint16(squashfs.LZO)) // Comp at offset 20
	binary.LittleEndian.PutUint16(data[28:], 4)                   // VMajor=4
	mockUnsupported := &mockReader{data: data}
	_, err := squashfs.FromReader(mockUnsupported, squashfs.Options{})
	var decErr *squashfs.DecompressError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecompressError, got %v", err)
	}
}
