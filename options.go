package squashfs

// Option customizes superblock loading. Mirrors the functional-options
// pattern used throughout the rest of this package's configuration surface.
type Option func(sb *Superblock) error

// InodeOffset shifts the inode numbers reported by this image by the given
// amount, useful when overlaying multiple images under one virtual inode
// space.
func InodeOffset(inoOfft uint64) Option {
	return func(sb *Superblock) error {
		sb.inoOfft = inoOfft
		return nil
	}
}

const (
	defaultCacheMB      = 100
	defaultReaders      = 4
	defaultDirectLimit  = 0
	directLimitCacheMin = 10 // cache_mb*1e6 must be >= directLimitCacheMin*DirectLimit
)

// Options configures the read path of an Image: its decoded-block cache,
// whole-small-file cache and reader pool.
type Options struct {
	// CacheMB sizes the decoded-block cache and the whole-small-file cache,
	// in megabytes; each of the two is sized to CacheMB on its own, so
	// together they can hold up to twice that. Zero disables both caches,
	// except that an entirely zero Options is replaced by the defaults.
	CacheMB uint64
	// Readers bounds how many concurrent os-level readers each reader pool
	// (one per open-flags combination) hands out.
	Readers int
	// DirectLimit is the file size, in bytes, below which a file is eligible
	// for the whole-file direct-read-then-cache policy (see data.go). Zero
	// disables that policy; files smaller than one block are still read
	// whole, and every other file goes through the regular block-by-block
	// path.
	DirectLimit int
}

// defaultOptions returns the zero-value-safe defaults used when Options is
// the zero value.
func defaultOptions() Options {
	return Options{CacheMB: defaultCacheMB, Readers: defaultReaders, DirectLimit: defaultDirectLimit}
}

func (o Options) withDefaults() Options {
	if o.Readers == 0 {
		o.Readers = defaultReaders
	}
	return o
}

func (o Options) validate() error {
	if o.Readers < 1 {
		return &InvalidOptionsError{Reason: "readers must be at least 1"}
	}
	if o.DirectLimit > 0 && o.CacheMB*1_000_000 < directLimitCacheMin*uint64(o.DirectLimit) {
		return &InvalidOptionsError{Reason: "cache_mb is too small relative to direct_limit"}
	}
	return nil
}
