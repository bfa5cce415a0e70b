package prefetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu       sync.Mutex
	lookups  map[string]CacheLookup
	loadErrs map[string]error
	loaded   []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{lookups: map[string]CacheLookup{}, loadErrs: map[string]error{}}
}

func (d *fakeDriver) Lookup(_ context.Context, key string) CacheLookup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups[key]
}

func (d *fakeDriver) Load(_ context.Context, key string, _ bool, _ bool) error {
	cur := d.inFlight.Add(1)
	for {
		max := d.maxSeen.Load()
		if cur <= max || d.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	defer d.inFlight.Add(-1)

	d.mu.Lock()
	d.loaded = append(d.loaded, key)
	err := d.loadErrs[key]
	d.mu.Unlock()
	return err
}

func sources(n int) []Source {
	out := make([]Source, n)
	for i := range out {
		out[i] = Source{Key: fmt.Sprintf("k%d", i)}
	}
	return out
}

func TestRunSkipsMemoryHits(t *testing.T) {
	d := newFakeDriver()
	d.lookups["k0"] = CacheMemory

	p := New(d, Config{MaxConcurrentDownloads: 2})
	cp := p.Run(context.Background(), sources(1))

	assert.Empty(t, d.loaded)
	assert.Equal(t, []string{"k0"}, cp.Skipped)
}

func TestRunSkipsDiskHitsWithoutAlsoPrefetch(t *testing.T) {
	d := newFakeDriver()
	d.lookups["k0"] = CacheDisk

	p := New(d, Config{MaxConcurrentDownloads: 2, AlsoPrefetchToMemory: false})
	cp := p.Run(context.Background(), sources(1))

	assert.Empty(t, d.loaded)
	assert.Equal(t, []string{"k0"}, cp.Skipped)
}

func TestRunLoadsDiskHitsWhenAlsoPrefetchSet(t *testing.T) {
	d := newFakeDriver()
	d.lookups["k0"] = CacheDisk

	p := New(d, Config{MaxConcurrentDownloads: 2, AlsoPrefetchToMemory: true})
	cp := p.Run(context.Background(), sources(1))

	assert.Equal(t, []string{"k0"}, d.loaded)
	assert.Equal(t, []string{"k0"}, cp.Completed)
}

func TestRunDownloadsUncachedSources(t *testing.T) {
	d := newFakeDriver()
	p := New(d, Config{MaxConcurrentDownloads: 4})
	cp := p.Run(context.Background(), sources(5))

	assert.Len(t, d.loaded, 5)
	assert.Len(t, cp.Completed, 5)
}

func TestRunRespectsMaxConcurrency(t *testing.T) {
	d := newFakeDriver()
	p := New(d, Config{MaxConcurrentDownloads: 2})
	p.Run(context.Background(), sources(20))

	assert.LessOrEqual(t, d.maxSeen.Load(), int32(2))
}

func TestForceRefreshBypassesCacheLookup(t *testing.T) {
	d := newFakeDriver()
	d.lookups["k0"] = CacheMemory

	p := New(d, Config{MaxConcurrentDownloads: 1})
	cp := p.Run(context.Background(), []Source{{Key: "k0", ForceRefresh: true}})

	assert.Equal(t, []string{"k0"}, d.loaded)
	assert.Equal(t, []string{"k0"}, cp.Completed)
}

func TestFailedLoadsAreRecorded(t *testing.T) {
	d := newFakeDriver()
	d.loadErrs["k0"] = assert.AnError

	p := New(d, Config{MaxConcurrentDownloads: 1})
	cp := p.Run(context.Background(), sources(1))

	assert.Equal(t, []string{"k0"}, cp.Failed)
}

func TestProgressCallbackFiresForEveryTerminalSource(t *testing.T) {
	d := newFakeDriver()
	var calls int32
	var lastTotal int
	p := New(d, Config{
		MaxConcurrentDownloads: 3,
		OnProgress: func(completed, failed, skipped, total int) {
			atomic.AddInt32(&calls, 1)
			lastTotal = total
		},
	})
	p.Run(context.Background(), sources(4))

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, 4, lastTotal)
}

func TestCheckpointEncodeDecodeRoundTrip(t *testing.T) {
	cp := Checkpoint{Completed: []string{"a"}, Failed: []string{"b"}, Skipped: []string{"c"}}
	data, err := cp.Encode()
	require.NoError(t, err)

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}
