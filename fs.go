package squashfs

import (
	"context"
	"io"
	"io/fs"
	"path"
	"time"
)

// ImageFS adapts an *Image to io/fs.FS, fs.StatFS and fs.ReadDirFS, so the
// image can be walked with fs.WalkDir, read with fs.ReadFile and matched
// with fs.Glob like any other filesystem.
type ImageFS struct {
	img *Image
}

// FS returns an io/fs.FS view of img.
func (img *Image) FS() *ImageFS { return &ImageFS{img: img} }

var (
	_ fs.FS        = (*ImageFS)(nil)
	_ fs.StatFS    = (*ImageFS)(nil)
	_ fs.ReadDirFS = (*ImageFS)(nil)
)

func (ifs *ImageFS) resolve(name string) (Inode, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	root, err := ifs.img.Inode(ifs.img.RootInode())
	if err != nil {
		return nil, err
	}
	if name == "." {
		return root, nil
	}
	ino, err := ifs.img.LookupPath(context.Background(), root, name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return ino, nil
}

// Open implements fs.FS.
func (ifs *ImageFS) Open(name string) (fs.File, error) {
	ino, err := ifs.resolve(name)
	if err != nil {
		return nil, err
	}
	if ino.Type().IsDir() {
		return &imageDir{ifs: ifs, ino: ino, name: name}, nil
	}
	h, err := ifs.img.Open(ino, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &imageFile{ifs: ifs, ino: ino, name: name, h: h}, nil
}

// Stat implements fs.StatFS.
func (ifs *ImageFS) Stat(name string) (fs.FileInfo, error) {
	ino, err := ifs.resolve(name)
	if err != nil {
		return nil, err
	}
	return &fileinfo{img: ifs.img, ino: ino, name: path.Base(name)}, nil
}

// ReadDir implements fs.ReadDirFS.
func (ifs *ImageFS) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := ifs.Open(name)
	if err != nil {
		return nil, err
	}
	d, ok := f.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}
	return d.ReadDir(-1)
}

// imageFile adapts a regular-file inode to fs.File, holding a Handle for
// the lifetime of the fs.File (opened in ImageFS.Open, released in Close).
type imageFile struct {
	ifs  *ImageFS
	ino  Inode
	name string
	off  int64
	h    Handle
}

var (
	_ fs.File     = (*imageFile)(nil)
	_ io.ReaderAt = (*imageFile)(nil)
)

func (f *imageFile) Stat() (fs.FileInfo, error) {
	return &fileinfo{img: f.ifs.img, ino: f.ino, name: path.Base(f.name)}, nil
}

func (f *imageFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.off)
	f.off += int64(n)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *imageFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.ifs.img.ReadFile(context.Background(), f.h, off, p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *imageFile) Close() error { return f.ifs.img.Release(f.ino, f.h) }

// imageDir adapts a directory inode to fs.ReadDirFile.
type imageDir struct {
	ifs  *ImageFS
	ino  Inode
	name string

	names []string
	pos   int
	done  bool
}

var _ fs.ReadDirFile = (*imageDir)(nil)

func (d *imageDir) Stat() (fs.FileInfo, error) {
	return &fileinfo{img: d.ifs.img, ino: d.ino, name: path.Base(d.name)}, nil
}

func (d *imageDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrNotDirectory}
}

func (d *imageDir) Close() error { return nil }

func (d *imageDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.names == nil && !d.done {
		names, err := d.ifs.img.DirectoryEntries(d.ino)
		if err != nil {
			return nil, err
		}
		d.names = names
	}

	var out []fs.DirEntry
	for d.pos < len(d.names) {
		name := d.names[d.pos]
		d.pos++
		if name == "." || name == ".." {
			continue
		}
		child, err := d.ifs.img.Lookup(d.ino, name)
		if err != nil {
			return out, err
		}
		out = append(out, &direntry{img: d.ifs.img, name: name, ino: child})
		if n > 0 && len(out) >= n {
			return out, nil
		}
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

// direntry implements fs.DirEntry.
type direntry struct {
	img  *Image
	name string
	ino  Inode
}

var _ fs.DirEntry = (*direntry)(nil)

func (e *direntry) Name() string      { return e.name }
func (e *direntry) IsDir() bool       { return e.ino.Type().IsDir() }
func (e *direntry) Type() fs.FileMode { return e.ino.Mode().Type() }
func (e *direntry) Info() (fs.FileInfo, error) {
	return &fileinfo{img: e.img, ino: e.ino, name: e.name}, nil
}

// fileinfo implements fs.FileInfo.
type fileinfo struct {
	img  *Image
	ino  Inode
	name string
}

var _ fs.FileInfo = (*fileinfo)(nil)

func (fi *fileinfo) Name() string { return fi.name }
func (fi *fileinfo) Size() int64 {
	return int64(fi.img.FileAttr(fi.ino).Size)
}
func (fi *fileinfo) Mode() fs.FileMode  { return fi.ino.Mode() }
func (fi *fileinfo) ModTime() time.Time { return time.Unix(int64(fi.ino.modTime()), 0) }
func (fi *fileinfo) IsDir() bool        { return fi.ino.Type().IsDir() }
func (fi *fileinfo) Sys() any           { return fi.ino }
