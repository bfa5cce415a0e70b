package imagecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/internal/downloader"
	"imagecache/internal/imagetest"
	"imagecache/internal/prefetch"
	"imagecache/internal/retry"
)

// countingProcessor is a Processor that records how many times Process ran,
// so tests can assert C6's "at most once per distinct identifier" guarantee.
type countingProcessor struct {
	id      string
	counter imagetest.CallCounter
}

func (p *countingProcessor) Identifier() string { return p.id }

func (p *countingProcessor) Process(img *Image, _ ProcessOptions) (*Image, error) {
	p.counter.Hit()
	return img, nil
}

func newManager(t *testing.T, executor downloader.RequestExecutor) *Manager {
	t.Helper()
	opts := Options{
		Memory: MemoryOptions{CountLimit: 1000, DefaultExpiration: time.Minute, CleanInterval: time.Hour},
		Disk: DiskOptions{
			RootPath:          filepath.Join(t.TempDir(), "cache"),
			DefaultExpiration: time.Hour,
			CleanInterval:     time.Hour,
		},
	}
	m, err := NewManager(opts, StdDecoder{}, nil, executor, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestRetrieveMemoryHitSkipsDiskAndNetwork(t *testing.T) {
	responder := &imagetest.StaticResponder{Body: imagetest.PNGBytes(3)}
	m := newManager(t, responder)

	src := NetworkSource("http://example.test/a.png", "")
	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.Origin)

	res, err = m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	assert.Equal(t, FromMemory, res.Origin)
	assert.EqualValues(t, 1, responder.Calls.Load())
}

func TestRetrievePromotesDiskHitIntoMemory(t *testing.T) {
	responder := &imagetest.StaticResponder{Body: imagetest.PNGBytes(3)}
	m := newManager(t, responder)

	src := NetworkSource("http://example.test/b.png", "")
	_, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)

	// Evict memory only, leaving disk populated.
	m.mem.Remove(src.Key())
	assert.False(t, m.IsCachedInMemory(src.Key()))

	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	assert.Equal(t, FromDisk, res.Origin)
	assert.EqualValues(t, 1, responder.Calls.Load(), "disk hit must not trigger a second fetch")

	res, err = m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	assert.Equal(t, FromMemory, res.Origin, "disk hit must repopulate memory")
}

func TestRetrieveCoalescesConcurrentNetworkFetchesForSameSource(t *testing.T) {
	responder := &imagetest.StaticResponder{
		Body:  imagetest.PNGBytes(3),
		Delay: func() { time.Sleep(50 * time.Millisecond) },
	}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/c.png", "")

	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.EqualValues(t, 1, responder.Calls.Load())
}

func TestRetrieveRunsDistinctProcessorsIndependentlyButOnceEach(t *testing.T) {
	responder := &imagetest.StaticResponder{
		Body:  imagetest.PNGBytes(3),
		Delay: func() { time.Sleep(50 * time.Millisecond) },
	}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/d.png", "")

	procA := &countingProcessor{id: "resize-100"}
	procB := &countingProcessor{id: "resize-200"}

	const n = 4
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		go func() {
			_, err := m.Retrieve(context.Background(), src, RetrieveOptions{Processor: procA})
			errs <- err
		}()
		go func() {
			_, err := m.Retrieve(context.Background(), src, RetrieveOptions{Processor: procB})
			errs <- err
		}()
	}
	for i := 0; i < n*2; i++ {
		require.NoError(t, <-errs)
	}

	assert.EqualValues(t, 1, procA.counter.Count(), "processor A runs exactly once across all its callers")
	assert.EqualValues(t, 1, procB.counter.Count(), "processor B runs exactly once across all its callers")
	assert.EqualValues(t, 1, responder.Calls.Load(), "one URL backs both processor groups, so the downloader's own SessionManager must coalesce them into a single HTTP fetch even though the Manager's singleflight is keyed per effective key")
}

func TestRetrieveRetriesAfterTransientFailureThenSucceeds(t *testing.T) {
	responder := &imagetest.SequenceResponder{
		Responses: []imagetest.FakeResponse{
			{Status: 503, Body: []byte("unavailable")},
			{Status: 200, Body: imagetest.PNGBytes(3)},
		},
	}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/e.png", "")

	strategy := &retry.DelayStrategy{MaxRetryCount: 1, Interval: retry.ConstantInterval(0)}
	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{
		BackgroundDecode: true,
		RetryStrategy:    strategy,
	})
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.Origin)
	assert.EqualValues(t, 2, responder.Calls.Load())
}

func TestRetrieveGivesUpWhenRetryStrategyStops(t *testing.T) {
	responder := &imagetest.StaticResponder{Status: 500, Body: []byte("err")}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/f.png", "")

	_, err := m.Retrieve(context.Background(), src, RetrieveOptions{RetryStrategy: retry.NoRetry{}})
	assert.Error(t, err)
}

func TestRetrieveFromMemoryOnlyOrRefreshReturnsNilOnMiss(t *testing.T) {
	m := newManager(t, &imagetest.StaticResponder{Body: imagetest.PNGBytes(3)})
	src := NetworkSource("http://example.test/g.png", "")

	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{FromMemoryOnlyOrRefresh: true})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRetrieveForceRefreshBypassesMemoryAndDisk(t *testing.T) {
	responder := &imagetest.StaticResponder{Body: imagetest.PNGBytes(3)}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/h.png", "")

	_, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)

	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true, ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.Origin)
	assert.EqualValues(t, 2, responder.Calls.Load())
}

func TestRetrieveProviderSourceBypassesDownloader(t *testing.T) {
	responder := &imagetest.StaticResponder{Body: []byte("should not be called")}
	m := newManager(t, responder)

	provider := fakeProvider{key: "provider-key", data: imagetest.PNGBytes(3)}
	src := ProviderSource(provider.key, provider)

	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.Origin)
	assert.Zero(t, responder.Calls.Load())
}

func TestRetrieveDecodedImageDimensionsSurviveDiskRoundTrip(t *testing.T) {
	responder := &imagetest.StaticResponder{Body: imagetest.PNGBytes(5)}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/i.png", "")

	res, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	require.NotNil(t, res.Image.Img)

	m.mem.Remove(src.Key())
	res2, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)
	require.NotNil(t, res2.Image.Img)
	assert.Equal(t, res.Image.Img.Bounds(), res2.Image.Img.Bounds())
}

func TestPrefetchAlsoPrefetchToMemoryPromotesDiskHitWithoutRefetching(t *testing.T) {
	responder := &imagetest.StaticResponder{Body: imagetest.PNGBytes(3)}
	m := newManager(t, responder)
	src := NetworkSource("http://example.test/j.png", "")

	_, err := m.Retrieve(context.Background(), src, RetrieveOptions{BackgroundDecode: true})
	require.NoError(t, err)

	// Evict memory only, leaving disk populated, exactly as
	// Lookup/Load's real caller (Manager.Prefetch) would find it.
	m.mem.Remove(src.Key())
	require.False(t, m.IsCachedInMemory(src.Key()))

	cp := m.Prefetch(context.Background(), []Source{src}, RetrieveOptions{BackgroundDecode: true}, prefetch.Config{
		MaxConcurrentDownloads: 1,
		AlsoPrefetchToMemory:   true,
	})

	assert.Contains(t, cp.Completed, src.Key())
	assert.True(t, m.IsCachedInMemory(src.Key()), "disk hit must be promoted into memory")
	assert.EqualValues(t, 1, responder.Calls.Load(), "promoting a disk hit must not refetch over the network")
}

type fakeProvider struct {
	key  string
	data []byte
}

func (p fakeProvider) CacheKey() string { return p.key }
func (p fakeProvider) Load(ctx context.Context) ([]byte, error) {
	return p.data, nil
}
