package squashfs

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// tablesDirectThreshold is the total table span, in bytes (see
// Superblock.tablesLength), below which table loading (id table, fragment
// table, inode and directory reads) prefers a direct reader over a
// buffered one; the superblock itself is always read direct. Small tables
// are dominated by syscall overhead, not throughput, so skipping the OS
// page cache buys nothing.
const tablesDirectThreshold = 50_000

// ReaderFactory is supplied by the caller when opening an Image: it opens
// one more backing reader, honoring direct to request uncached I/O from the
// underlying storage when the platform and backing store support it. This
// is the one place OS-level open() flags belong; the rest of this package
// only ever sees the resulting io.ReaderAt.
type ReaderFactory func(direct bool) (io.ReaderAt, io.Closer, error)

type pooledReader struct {
	r io.ReaderAt
	c io.Closer
}

// readerPool bounds how many concurrent readers one open-flags combination
// hands out, creating new ones lazily (via factory) up to a fixed size and
// recycling released ones. A reader that also implements io.Seeker is
// seeked back to zero before being recycled, mirroring the "reset cursor on
// return" policy of the pool this is grounded on.
type readerPool struct {
	factory ReaderFactory
	direct  bool
	sem     *semaphore.Weighted
	mu      sync.Mutex
	idle    []*pooledReader
}

func newReaderPool(factory ReaderFactory, direct bool, size int) *readerPool {
	return &readerPool{
		factory: factory,
		direct:  direct,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

func (p *readerPool) checkout(ctx context.Context) (*pooledReader, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &PoolError{Err: err}
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		pr := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return pr, nil
	}
	p.mu.Unlock()

	r, c, err := p.factory(p.direct)
	if err != nil {
		p.sem.Release(1)
		return nil, &PoolBuildError{Err: err}
	}
	return &pooledReader{r: r, c: c}, nil
}

func (p *readerPool) release(pr *pooledReader) {
	if s, ok := pr.r.(io.Seeker); ok {
		_, _ = s.Seek(0, io.SeekStart)
	}
	p.mu.Lock()
	p.idle = append(p.idle, pr)
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *readerPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, pr := range p.idle {
		if err := pr.c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.idle = nil
	return first
}

// readerPools lazily creates one readerPool per direct/buffered flag
// combination the first time it's asked for, per spec: a pool is only built
// for a combination of flags actually requested.
type readerPools struct {
	factory ReaderFactory
	size    int

	mu    sync.Mutex
	pools map[bool]*readerPool
}

func newReaderPools(factory ReaderFactory, size int) *readerPools {
	return &readerPools{factory: factory, size: size, pools: map[bool]*readerPool{}}
}

func (rp *readerPools) get(direct bool) *readerPool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if p, ok := rp.pools[direct]; ok {
		return p
	}
	p := newReaderPool(rp.factory, direct, rp.size)
	rp.pools[direct] = p
	return p
}

func (rp *readerPools) close() error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	var first error
	for _, p := range rp.pools {
		if err := p.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// withReader checks out a reader for the given mode, runs fn, and always
// releases it back to the pool.
func (rp *readerPools) withReader(ctx context.Context, direct bool, fn func(io.ReaderAt) error) error {
	pool := rp.get(direct)
	pr, err := pool.checkout(ctx)
	if err != nil {
		return err
	}
	defer pool.release(pr)
	return fn(pr.r)
}

// pooledTableReader is the readerAt Open hands to newSuperblock before any
// pool-vs-direct decision can be made: every ReadAt checks a reader out of
// pools for the given direct flag, uses it, and returns it. newSuperblock
// reads the superblock header through one pinned to direct=true (small,
// one-shot, randomly addressed), then reassigns Superblock.fs to a second
// one pinned to whichever flag tablesLength() selects, for every later
// table read (id table, fragment table, and each lazy inode/directory
// stream) to share.
type pooledTableReader struct {
	pools  *readerPools
	direct bool
}

func (t *pooledTableReader) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := t.pools.withReader(context.Background(), t.direct, func(r io.ReaderAt) error {
		var err error
		n, err = r.ReadAt(p, off)
		return err
	})
	return n, err
}
