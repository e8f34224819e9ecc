// Package squashfs decodes read-only SquashFS 4.0 images: their superblock,
// inode table, directory table, fragment table and data blocks.
//
// This package only reads. Writing or mutating an image, and adapting it to
// a kernel filesystem protocol, are both out of scope; ImageFS (see fs.go)
// is the farthest this package goes toward a user-facing filesystem, and it
// is a thin facade over the operations below.
package squashfs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Image is a fully opened, read-only view of a SquashFS image: the decoded
// superblock, its loaded tables, and the caches and reader pool that back
// every subsequent read.
type Image struct {
	sb *Superblock

	pools       *readerPools
	blocks      *blockCache
	wholeFiles  *wholeFileCache
	directLimit int

	inodes map[uint32]Inode
	dirs   map[uint32]*directoryTable

	rootNumber uint32

	handlesMu  sync.RWMutex
	handles    map[Handle]openHandle
	nextHandle Handle
}

// FromReader opens an Image directly against r: every read this Image
// performs, for tables and for file data alike, goes straight to r. Use
// this when the caller already has a single io.ReaderAt (a memory-mapped
// file, a pre-opened *os.File) and doesn't need concurrent independent
// reader handles.
func FromReader(r io.ReaderAt, opts Options, sbOpts ...Option) (*Image, error) {
	return newImage(r, nil, opts, sbOpts...)
}

// Open builds an Image backed by two reader pools, one per direct/buffered
// flag, both created up front and bounded by opts.Readers. The superblock
// is always read through the direct pool; table loading (id table, fragment
// table, and every later lazy inode and directory read) then picks
// direct-vs-buffered once, based on the image's total table size against
// tablesDirectThreshold, and keeps using that choice for the image's
// lifetime (see super.go's newSuperblock and pool.go's pooledTableReader).
func Open(factory ReaderFactory, opts Options, sbOpts ...Option) (*Image, error) {
	if opts == (Options{}) {
		opts = defaultOptions()
	} else {
		opts = opts.withDefaults()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	pools := newReaderPools(factory, opts.Readers)
	// Create both pools up front; readers inside them are still opened on
	// first checkout.
	pools.get(true)
	pools.get(false)
	tr := &pooledTableReader{pools: pools, direct: true}

	img, err := newImage(tr, pools, opts, sbOpts...)
	if err != nil {
		pools.close()
		return nil, err
	}
	return img, nil
}

func newImage(r readerAt, pools *readerPools, opts Options, sbOpts ...Option) (*Image, error) {
	if opts == (Options{}) {
		opts = defaultOptions()
	} else {
		opts = opts.withDefaults()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	sb, err := newSuperblock(r, sbOpts...)
	if err != nil {
		return nil, err
	}

	blocks, err := newBlockCache(opts.CacheMB, sb.BlockSize)
	if err != nil {
		return nil, err
	}
	wholeFiles, err := newWholeFileCache(opts.CacheMB, opts.DirectLimit)
	if err != nil {
		return nil, err
	}

	img := &Image{
		sb:          sb,
		pools:       pools,
		blocks:      blocks,
		wholeFiles:  wholeFiles,
		directLimit: opts.DirectLimit,
		inodes:      map[uint32]Inode{},
		dirs:        map[uint32]*directoryTable{},
		handles:     map[Handle]openHandle{},
	}

	root, err := img.loadInode(inodeRef(sb.RootInode))
	if err != nil {
		return nil, err
	}
	img.rootNumber = root.Number()

	return img, nil
}

// Close releases the reader pools, if any. FromReader-backed images have
// nothing to release.
func (img *Image) Close() error {
	if img.pools != nil {
		return img.pools.close()
	}
	return nil
}

// RootInode returns the inode number of the image's root directory.
func (img *Image) RootInode() uint32 {
	return img.rootNumber
}

// Superblock exposes the image's decoded superblock, for callers that want
// to report on the image (version, compression, flags, table sizes)
// directly rather than through FileAttr.
func (img *Image) Superblock() *Superblock {
	return img.sb
}

// loadInode decodes the inode at ref and caches it by inode number. It
// always decodes; callers that want a cached copy check img.inodes first.
func (img *Image) loadInode(ref inodeRef) (Inode, error) {
	ms, err := img.sb.newInodeStream(ref)
	if err != nil {
		return nil, &InodeTableError{Kind: ReadFailureKind, Err: err}
	}
	ino, err := decodeInode(ms, img.sb.order, img.sb.BlockSize, img.sb.inoOfft)
	if err != nil {
		return nil, err
	}
	img.inodes[ino.Number()] = ino
	return ino, nil
}

// Inode returns the decoded inode for the given inode number if it has
// already been loaded (the root, inodes reached through Lookup or
// LookupPath, or every inode after Inodes); otherwise it returns a
// *FileNotFoundError.
func (img *Image) Inode(number uint32) (Inode, error) {
	if ino, ok := img.inodes[number]; ok {
		return ino, nil
	}
	return nil, &FileNotFoundError{}
}

// InodeIterator yields every inode number in the image, in on-disk order.
// Obtained from Inodes.
type InodeIterator struct {
	nums []uint32
	pos  int
}

// Next advances the iterator and reports whether a value was produced.
func (it *InodeIterator) Next() bool {
	if it.pos >= len(it.nums) {
		return false
	}
	it.pos++
	return true
}

// Number returns the inode number at the iterator's current position; valid
// only after a call to Next that returned true.
func (it *InodeIterator) Number() uint32 {
	return it.nums[it.pos-1]
}

// Inodes sweeps the entire inode table once, in on-disk order, decoding and
// caching every inode it finds, then returns an iterator over their
// numbers. Unlike Inode, which only resolves inodes already reached through
// directory traversal, this walks the table directly: after a full sweep,
// Inode(number) is a cache hit for every inode number the image has.
func (img *Image) Inodes() (*InodeIterator, error) {
	ms, err := newMetadataStream(img.sb, int64(img.sb.InodeTableStart), 0)
	if err != nil {
		return nil, &InodeTableError{Kind: ReadFailureKind, Err: err}
	}
	nums := make([]uint32, 0, img.sb.InodeCnt)
	for i := uint32(0); i < img.sb.InodeCnt; i++ {
		ino, err := decodeInode(ms, img.sb.order, img.sb.BlockSize, img.sb.inoOfft)
		if err != nil {
			return nil, err
		}
		img.inodes[ino.Number()] = ino
		nums = append(nums, ino.Number())
	}
	return &InodeIterator{nums: nums}, nil
}

// directoryOf returns the decoded entry list for a directory inode,
// loading it on first access.
func (img *Image) directoryOf(d directoryInode) (*directoryTable, error) {
	if dt, ok := img.dirs[d.Number()]; ok {
		return dt, nil
	}
	dt, err := loadDirectory(img.sb, d)
	if err != nil {
		return nil, err
	}
	img.dirs[d.Number()] = dt
	return dt, nil
}

// DirectoryEntries lists the contents of the directory inode dirIno.
func (img *Image) DirectoryEntries(dirIno Inode) ([]string, error) {
	d, ok := dirIno.(directoryInode)
	if !ok {
		return nil, ErrNotDirectory
	}
	dt, err := img.directoryOf(d)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(dt.entries))
	for i, e := range dt.entries {
		names[i] = e.name
	}
	return names, nil
}

// Lookup resolves name within the directory inode dirIno, loading and
// returning the matching inode. It returns ErrNotDirectory if dirIno isn't
// a directory, or a *FileNotFoundError if no entry matches.
func (img *Image) Lookup(dirIno Inode, name string) (Inode, error) {
	d, ok := dirIno.(directoryInode)
	if !ok {
		return nil, ErrNotDirectory
	}
	dt, err := img.directoryOf(d)
	if err != nil {
		return nil, err
	}
	e, ok := dt.find(name)
	if !ok {
		n := name
		return nil, &FileNotFoundError{Name: &n}
	}
	if cached, ok := img.inodes[e.number]; ok {
		return cached, nil
	}
	return img.loadInode(e.ref)
}

// maxSymlinkDepth bounds symlink chasing in LookupPath, matching the
// convention most POSIX filesystems use.
const maxSymlinkDepth = 40

// LookupPath resolves a slash-separated path starting at dirIno, following
// symlinks encountered along the way.
func (img *Image) LookupPath(ctx context.Context, dirIno Inode, p string) (Inode, error) {
	return img.lookupPath(ctx, dirIno, p, 0)
}

func (img *Image) lookupPath(ctx context.Context, dirIno Inode, p string, depth int) (Inode, error) {
	cur := dirIno
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if part == "" {
			continue
		}
		next, err := img.Lookup(cur, part)
		if err != nil {
			return nil, err
		}
		for next.Type().IsSymlink() {
			depth++
			if depth > maxSymlinkDepth {
				return nil, ErrTooManySymlinks
			}
			sym, ok := next.(symlinkInode)
			if !ok {
				return nil, ErrInvalidInode
			}
			target, err := img.lookupPath(ctx, cur, string(sym.Target()), depth)
			if err != nil {
				return nil, err
			}
			next = target
		}
		cur = next
	}
	return cur, nil
}

// ReadFile reads up to len(buf) bytes from the file h was opened for,
// starting at offset, honoring the access flags h was opened with.
func (img *Image) ReadFile(ctx context.Context, h Handle, offset int64, buf []byte) (int, error) {
	f, flags, err := img.handleFlags(h)
	if err != nil {
		return 0, err
	}
	return img.readFile(ctx, f, flags, offset, buf)
}

// FileAttr is a decoded, backend-agnostic summary of an inode's metadata,
// with uid/gid resolved through the id table.
type FileAttr struct {
	Number  uint32
	Size    uint64
	Mode    uint32 // Unix mode bits, type + permissions
	ModTime int32
	UID     uint32
	GID     uint32
}

// FileAttr summarizes ino's metadata.
func (img *Image) FileAttr(ino Inode) FileAttr {
	attr := FileAttr{
		Number: ino.Number(),
		Mode:   ModeToUnix(ino.Mode()),
		UID:    img.sb.idAt(ino.uidIdx()),
		GID:    img.sb.idAt(ino.gidIdx()),
	}
	attr.ModTime = ino.modTime()
	if f, ok := ino.(fileInode); ok {
		attr.Size = f.FileSize()
	}
	if d, ok := ino.(directoryInode); ok {
		attr.Size = uint64(d.DirSize())
	}
	return attr
}

// String renders a short diagnostic summary of the image.
func (img *Image) String() string {
	return fmt.Sprintf("squashfs image: %d inodes, %d fragments, compression=%s, block size=%d",
		img.sb.InodeCnt, img.sb.FragCount, img.sb.Comp, img.sb.BlockSize)
}
