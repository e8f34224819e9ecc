package squashfs

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// blockCache caches decompressed data blocks keyed by their on-disk start
// offset, which is unique across the whole image (data blocks are never
// shared between files; only fragments are, and fragment blocks are not
// cached at all). A capacity of zero disables the cache: every get calls
// load directly, uncached.
type blockCache struct {
	cache *lru.Cache[int64, []byte]
	group singleflight.Group
}

func newBlockCache(cacheMB uint64, blockSize uint32) (*blockCache, error) {
	if cacheMB == 0 || blockSize == 0 {
		return &blockCache{}, nil
	}
	n := int(cacheMB * 1_000_000 / uint64(blockSize))
	if n < 1 {
		n = 1
	}
	c, err := lru.New[int64, []byte](n)
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	return &blockCache{cache: c}, nil
}

// getOrLoad returns the cached block at key if present, otherwise calls
// load and caches its result. Concurrent callers for the same key share one
// in-flight load rather than each hitting disk and the decompressor.
func (c *blockCache) getOrLoad(key int64, load func() ([]byte, error)) ([]byte, error) {
	if c.cache == nil {
		return load()
	}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(strconv.FormatInt(key, 10), func() (interface{}, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	return v.([]byte), nil
}

// wholeFileCache caches the full contents of small files, keyed by inode
// number, for the direct-read-then-cache policy in data.go. Separate from
// blockCache because its key space (inode numbers) and eviction unit (whole
// files, not fixed-size blocks) are both different.
type wholeFileCache struct {
	cache *lru.Cache[uint32, []byte]
	group singleflight.Group
}

func newWholeFileCache(cacheMB uint64, directLimit int) (*wholeFileCache, error) {
	if cacheMB == 0 || directLimit == 0 {
		return &wholeFileCache{}, nil
	}
	n := int(cacheMB * 1_000_000 / uint64(directLimit))
	if n < 1 {
		n = 1
	}
	c, err := lru.New[uint32, []byte](n)
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	return &wholeFileCache{cache: c}, nil
}

func (c *wholeFileCache) getOrLoad(key uint32, load func() ([]byte, error)) ([]byte, error) {
	if c.cache == nil {
		return load()
	}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(uint64(key), 10), func() (interface{}, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	return v.([]byte), nil
}

func (c *wholeFileCache) enabled() bool { return c.cache != nil }
