package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

var errConvertFailed = errors.New("conversion failed")

func TestDDSCacheCallsConvertOnceAndCaches(t *testing.T) {
	c := newDDSCache(10)
	var calls int32
	convert := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("png-bytes"), nil
	}

	for i := 0; i < 3; i++ {
		data, err := c.Get(context.Background(), "icon.dds", convert)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "png-bytes" {
			t.Errorf("data = %q", data)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("convert called %d times, want 1", calls)
	}
}

func TestDDSCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newDDSCache(2)
	convert := func(name string) func(context.Context) ([]byte, error) {
		return func(context.Context) ([]byte, error) { return []byte(name), nil }
	}
	c.Get(context.Background(), "a.dds", convert("a"))
	c.Get(context.Background(), "b.dds", convert("b"))
	c.Get(context.Background(), "c.dds", convert("c"))

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.items["a.dds"]; ok {
		t.Error("a.dds should have been evicted as the least recently used entry")
	}
}

func TestDDSCachePropagatesConversionError(t *testing.T) {
	c := newDDSCache(10)
	wantErr := errConvertFailed
	_, err := c.Get(context.Background(), "bad.dds", func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if c.Len() != 0 {
		t.Error("a failed conversion should not be cached")
	}
}
