package diskstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/internal/expiry"
)

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.RootPath = t.TempDir()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStoreAndValueRoundTrip(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Store("b", []byte("bytes"), expiry.ExpireIn(time.Minute), ""))

	data, ok := s.Value("b", expiry.NoExtend(), "")
	require.True(t, ok)
	assert.Equal(t, []byte("bytes"), data)
}

func TestIsCachedWithoutLoading(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Store("b", []byte("bytes"), expiry.ExpireIn(time.Minute), ""))
	assert.True(t, s.IsCached("b", ""))
	assert.False(t, s.IsCached("missing", ""))
}

func TestTTLExpiryOnDisk(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Store("c", []byte("x"), expiry.ExpireIn(80*time.Millisecond), ""))

	time.Sleep(150 * time.Millisecond)
	_, ok := s.Value("c", expiry.NoExtend(), "")
	assert.False(t, ok)

	// File still exists until the sweep explicitly removes it.
	removed := s.RemoveExpired()
	assert.Contains(t, removed, filenameFor(s, "c", ""))
}

func filenameFor(s *Store, key, ext string) string {
	return filename(key, ext)
}

func TestExtendByCacheTimeRefreshesModTime(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Store("k", []byte("x"), expiry.ExpireIn(100*time.Millisecond), ""))

	time.Sleep(50 * time.Millisecond)
	_, ok := s.Value("k", expiry.ExtendByCacheTime(), "")
	require.True(t, ok)

	time.Sleep(70 * time.Millisecond)
	_, ok = s.Value("k", expiry.NoExtend(), "")
	assert.True(t, ok, "cache-time extend should have refreshed the original 100ms TTL")
}

func TestRemoveDeletesFile(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Store("k", []byte("x"), expiry.ExpireIn(time.Minute), ""))
	s.Remove("k", "")
	assert.False(t, s.IsCached("k", ""))
}

func TestSizeTrimEvictsLRU(t *testing.T) {
	s := newStore(t, Config{SizeLimit: 1000})

	payload := make([]byte, 400)
	for _, k := range []string{"k0", "k1", "k2", "k3"} {
		require.NoError(t, s.Store(k, payload, expiry.ExpireIn(time.Hour), ""))
		time.Sleep(5 * time.Millisecond) // distinct creation-date ordering
	}

	removed := s.RemoveSizeExceeded()
	assert.NotEmpty(t, removed)
	assert.LessOrEqual(t, s.TotalSize(), int64(500))

	// The earliest-stored entries should be the ones evicted (LRU by
	// creation-date attribute, spec.md §8 property 6).
	assert.Contains(t, removed, filename("k0", ""))
}

func TestCompressRoundTrip(t *testing.T) {
	s := newStore(t, Config{Compress: true})
	original := []byte("a reasonably repetitive payload a reasonably repetitive payload")
	require.NoError(t, s.Store("k", original, expiry.ExpireIn(time.Minute), ""))

	got, ok := s.Value("k", expiry.NoExtend(), "")
	require.True(t, ok)
	assert.Equal(t, original, got)
}

func TestFilenameIsPureFunctionOfKeyAndExt(t *testing.T) {
	a := filename("same-key", "")
	b := filename("same-key", "")
	assert.Equal(t, a, b)

	withExt := filename("same-key", "png")
	assert.NotEqual(t, a, withExt)
	assert.Equal(t, withExt, filename("same-key", "png"))
}

func TestRemoveAllClearsStore(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Store("a", []byte("1"), expiry.ExpireIn(time.Minute), ""))
	require.NoError(t, s.Store("b", []byte("2"), expiry.ExpireIn(time.Minute), ""))

	s.RemoveAll()
	assert.False(t, s.IsCached("a", ""))
	assert.False(t, s.IsCached("b", ""))
	assert.Equal(t, int64(0), s.TotalSize())
}
