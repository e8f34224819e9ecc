package squashfs

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

type countingCloser struct {
	*bytes.Reader
	closed int32
}

func (c *countingCloser) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func TestReaderPoolBoundsConcurrency(t *testing.T) {
	var built int32
	factory := func(direct bool) (io.ReaderAt, io.Closer, error) {
		atomic.AddInt32(&built, 1)
		cc := &countingCloser{Reader: bytes.NewReader([]byte("data"))}
		return cc, cc, nil
	}

	pools := newReaderPools(factory, 2)
	ctx := context.Background()

	pr1, err := pools.get(false).checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %s", err)
	}
	pr2, err := pools.get(false).checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %s", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pools.get(false).checkout(tctx); err == nil {
		t.Fatalf("expected checkout to block once the pool of size 2 is exhausted")
	}

	pools.get(false).release(pr1)
	pr3, err := pools.get(false).checkout(ctx)
	if err != nil {
		t.Fatalf("checkout after release: %s", err)
	}

	if built != 2 {
		t.Fatalf("expected exactly 2 readers built (one recycled), got %d", built)
	}

	pools.get(false).release(pr2)
	pools.get(false).release(pr3)
	if err := pools.close(); err != nil {
		t.Fatalf("close: %s", err)
	}
}

func TestReaderPoolsKeyedByDirectFlag(t *testing.T) {
	factory := func(direct bool) (io.ReaderAt, io.Closer, error) {
		cc := &countingCloser{Reader: bytes.NewReader([]byte("data"))}
		return cc, cc, nil
	}
	pools := newReaderPools(factory, 1)
	if pools.get(true) == pools.get(false) {
		t.Fatalf("expected distinct pools for direct and buffered readers")
	}
	if pools.get(true) != pools.get(true) {
		t.Fatalf("expected the same pool instance on repeat calls for the same flag")
	}
}

func TestReaderPoolsWithReaderReleases(t *testing.T) {
	factory := func(direct bool) (io.ReaderAt, io.Closer, error) {
		cc := &countingCloser{Reader: bytes.NewReader([]byte("data"))}
		return cc, cc, nil
	}
	pools := newReaderPools(factory, 1)

	for i := 0; i < 5; i++ {
		err := pools.withReader(context.Background(), false, func(r io.ReaderAt) error {
			buf := make([]byte, 4)
			_, err := r.ReadAt(buf, 0)
			return err
		})
		if err != nil {
			t.Fatalf("withReader iteration %d: %s", i, err)
		}
	}
}
