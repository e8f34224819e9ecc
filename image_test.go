package squashfs_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"testing"

	squashfs "github.com/cpg314/squashfs-async"
)

// miniImage is a hand-assembled SquashFS 4.0 image with a root directory
// containing a single small regular file, entirely uncompressed at the
// block level (every metadata and data block sets its own "stored
// uncompressed" bit, independent of the superblock's Comp field). It
// exercises the superblock, inode table, directory table and data block
// decoders without depending on an external mksquashfs-built fixture.
type miniImage struct {
	buf         []byte
	fileContent []byte
}

func buildMiniImage(t *testing.T) miniImage {
	t.Helper()

	const blockSize = 131072
	content := []byte("hello world\n")

	var dataBlock bytes.Buffer
	dataBlock.Write(content)

	const sbSize = 96 // Magic..ExportTableStart: 5*u32 + 6*u16 + 8*u64
	inodeTableStart := int64(sbSize + dataBlock.Len())

	// Root directory inode (BasicDirectory), block-relative offset 0.
	var rootIno bytes.Buffer
	writeInodeHeader(&rootIno, 1 /* DirType */, 0755, 0, 0, 0, 1)
	mustWrite(&rootIno, uint32(0))  // start block (unused, no index)
	mustWrite(&rootIno, uint32(2))  // nlink
	mustWrite(&rootIno, uint16(32)) // dir size: 29 content bytes + 3
	mustWrite(&rootIno, uint16(0))  // in-block offset into dir table
	mustWrite(&rootIno, uint32(1))  // parent inode (root is its own parent)

	// Regular file inode (BasicFile), block-relative offset = len(rootIno).
	fileInoOffset := rootIno.Len()
	var fileIno bytes.Buffer
	writeInodeHeader(&fileIno, 2 /* FileType */, 0644, 0, 0, 0, 2)
	mustWrite(&fileIno, uint32(sbSize))      // start block: data block's absolute offset
	mustWrite(&fileIno, uint32(0xffffffff))  // fragment_block_index: no fragment
	mustWrite(&fileIno, uint32(0))           // fragment_offset
	mustWrite(&fileIno, uint32(len(content))) // file size
	mustWrite(&fileIno, uint32(len(content))|0x1000000) // one block, uncompressed

	var inodeTablePayload bytes.Buffer
	inodeTablePayload.Write(rootIno.Bytes())
	inodeTablePayload.Write(fileIno.Bytes())
	inodeTableBlock := wrapUncompressedMetadata(inodeTablePayload.Bytes())

	dirTableStart := inodeTableStart + int64(len(inodeTableBlock))

	// Directory table: one header (count=0 -> 1 entry) plus one entry for
	// "hello.txt" pointing at the file inode.
	var dirPayload bytes.Buffer
	mustWrite(&dirPayload, uint32(0)) // count - 1
	mustWrite(&dirPayload, uint32(0)) // start block (same metadata block as root's own start, i.e. 0)
	mustWrite(&dirPayload, uint32(1)) // inode_number_base
	mustWrite(&dirPayload, uint16(fileInoOffset)) // in-block offset of file inode
	mustWrite(&dirPayload, int16(1))              // inode_offset: base(1) + 1 = inode #2
	mustWrite(&dirPayload, uint16(2))              // type: FileType
	name := []byte("hello.txt")
	mustWrite(&dirPayload, uint16(len(name)-1))
	dirPayload.Write(name)
	dirTableBlock := wrapUncompressedMetadata(dirPayload.Bytes())

	var out bytes.Buffer
	writeSuperblock(&out, superblockFields{
		InodeCnt:        2,
		BlockSize:       blockSize,
		Comp:            1, // GZip, never actually exercised (every block is uncompressed)
		BlockLog:        17,
		VMajor:          4,
		RootInode:       0, // block-start 0, offset 0
		InodeTableStart: uint64(inodeTableStart),
		DirTableStart:   uint64(dirTableStart),
	})
	out.Write(dataBlock.Bytes())
	out.Write(inodeTableBlock)
	out.Write(dirTableBlock)

	return miniImage{buf: out.Bytes(), fileContent: content}
}

func mustWrite(w *bytes.Buffer, v interface{}) {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func writeInodeHeader(w *bytes.Buffer, typ uint16, perm, uidIdx, gidIdx uint16, modTime int32, ino uint32) {
	mustWrite(w, typ)
	mustWrite(w, perm)
	mustWrite(w, uidIdx)
	mustWrite(w, gidIdx)
	mustWrite(w, modTime)
	mustWrite(w, ino)
}

func wrapUncompressedMetadata(payload []byte) []byte {
	var b bytes.Buffer
	mustWrite(&b, uint16(len(payload))|0x8000)
	b.Write(payload)
	return b.Bytes()
}

type superblockFields struct {
	InodeCnt        uint32
	BlockSize       uint32
	FragCount       uint32
	Comp            uint16
	BlockLog        uint16
	Flags           uint16
	IdCount         uint16
	VMajor          uint16
	VMinor          uint16
	RootInode       uint64
	BytesUsed       uint64
	IdTableStart    uint64
	InodeTableStart uint64
	DirTableStart   uint64
	FragTableStart  uint64
}

// writeSuperblock writes the 96-byte superblock header in exactly the field
// order Superblock declares its exported fields in.
func writeSuperblock(w *bytes.Buffer, f superblockFields) {
	w.WriteString("hsqs")
	mustWrite(w, f.InodeCnt)
	mustWrite(w, int32(0)) // ModTime
	mustWrite(w, f.BlockSize)
	mustWrite(w, f.FragCount)
	mustWrite(w, f.Comp)
	mustWrite(w, f.BlockLog)
	mustWrite(w, f.Flags)
	mustWrite(w, f.IdCount)
	mustWrite(w, f.VMajor)
	mustWrite(w, f.VMinor)
	mustWrite(w, f.RootInode)
	mustWrite(w, f.BytesUsed)
	mustWrite(w, f.IdTableStart)
	mustWrite(w, uint64(0)) // XattrIdTableStart
	mustWrite(w, f.InodeTableStart)
	mustWrite(w, f.DirTableStart)
	mustWrite(w, f.FragTableStart)
	mustWrite(w, uint64(0)) // ExportTableStart
}

type byteReaderAt struct{ data []byte }

func (b *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, errors.New("read past end")
	}
	n := copy(p, b.data[off:])
	return n, nil
}

func TestImageOpenAndReadFile(t *testing.T) {
	m := buildMiniImage(t)
	img, err := squashfs.FromReader(&byteReaderAt{m.buf}, squashfs.Options{})
	if err != nil {
		t.Fatalf("FromReader: %s", err)
	}

	root, err := img.Inode(img.RootInode())
	if err != nil {
		t.Fatalf("Inode(root): %s", err)
	}

	names, err := img.DirectoryEntries(root)
	if err != nil {
		t.Fatalf("DirectoryEntries: %s", err)
	}
	if len(names) != 1 || names[0] != "hello.txt" {
		t.Fatalf("unexpected directory entries: %v", names)
	}

	ino, err := img.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}

	h, err := img.Open(ino, 0)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Release(ino, h)

	buf := make([]byte, len(m.fileContent))
	n, err := img.ReadFile(context.Background(), h, 0, buf)
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if n != len(m.fileContent) || !bytes.Equal(buf, m.fileContent) {
		t.Fatalf("ReadFile returned %q, want %q", buf[:n], m.fileContent)
	}

	if _, err := img.Lookup(root, "nope.txt"); !errors.As(err, new(*squashfs.FileNotFoundError)) {
		t.Fatalf("expected FileNotFoundError, got %v", err)
	}
}

func TestImageFS(t *testing.T) {
	m := buildMiniImage(t)
	img, err := squashfs.FromReader(&byteReaderAt{m.buf}, squashfs.Options{})
	if err != nil {
		t.Fatalf("FromReader: %s", err)
	}

	ifs := img.FS()
	data, err := fs.ReadFile(ifs, "hello.txt")
	if err != nil {
		t.Fatalf("fs.ReadFile: %s", err)
	}
	if !bytes.Equal(data, m.fileContent) {
		t.Fatalf("fs.ReadFile returned %q, want %q", data, m.fileContent)
	}

	entries, err := fs.ReadDir(ifs, ".")
	if err != nil {
		t.Fatalf("fs.ReadDir: %s", err)
	}
	if len(entries) != 1 || entries[0].Name() != "hello.txt" {
		t.Fatalf("unexpected root entries: %v", entries)
	}

	if err := fs.WalkDir(ifs, ".", func(path string, d fs.DirEntry, err error) error { return err }); err != nil {
		t.Fatalf("fs.WalkDir: %s", err)
	}
}

func TestImagePartialRead(t *testing.T) {
	m := buildMiniImage(t)
	img, err := squashfs.FromReader(&byteReaderAt{m.buf}, squashfs.Options{})
	if err != nil {
		t.Fatalf("FromReader: %s", err)
	}
	root, _ := img.Inode(img.RootInode())
	ino, err := img.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}

	h, err := img.Open(ino, 0)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Release(ino, h)

	buf := make([]byte, 5)
	n, err := img.ReadFile(context.Background(), h, 6, buf)
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("partial read got %q, want %q", buf[:n], "world")
	}
}
