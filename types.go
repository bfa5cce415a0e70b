// Package imagecache implements a two-tier (memory + disk) image cache with
// request coalescing, pluggable retry, and a processor pipeline.
package imagecache

import (
	"context"
	"image"
	"net/http"
	"time"

	"imagecache/internal/expiry"
)

// Image wraps a decoded image together with the cost value the memory tier
// charges against its cost limit (spec.md §3: "an opaque Image value with an
// associated memory cost"). Cost is normally pixel count (w*h) but a
// Provider or Processor may report any positive integer that reflects the
// value's relative memory footprint.
type Image struct {
	Img  image.Image
	Cost int
}

// CacheCost satisfies memstore.Costed.
func (i Image) CacheCost() int {
	if i.Cost > 0 {
		return i.Cost
	}
	if i.Img == nil {
		return 0
	}
	b := i.Img.Bounds()
	return b.Dx() * b.Dy()
}

// Decoder turns raw bytes into an Image. Actual pixel decoding is an
// external collaborator the cache depends on but does not own (spec.md §1
// Non-goals: "platform image decoding is out of scope"); StdDecoder below is
// a default built on the standard library's image package, supplied so the
// cache is usable without a caller-supplied decoder.
type Decoder interface {
	Decode(data []byte, opts DecodeOptions) (*Image, error)
}

// DecodeOptions carries decode-time hints (e.g. downsampling target) a
// Decoder implementation may honor or ignore.
type DecodeOptions struct {
	MaxPixelSize int
}

// Processor transforms a decoded Image into another Image — resizing,
// cropping, filtering (spec.md §3, "Processor"). Identifier must be a
// value that's stable across runs and unique per distinct transform
// configuration: it is the dedup key the pipeline uses to avoid running the
// same processor twice for concurrent requesters of the same source that
// ask for the same processing (spec.md §4.6).
type Processor interface {
	Identifier() string
	Process(img *Image, opts ProcessOptions) (*Image, error)
}

// ProcessOptions carries processor-time hints, analogous to DecodeOptions.
type ProcessOptions struct {
	Context context.Context
}

// RequestExecutor abstracts the HTTP round trip so the downloader can be
// exercised against a fake in tests. *http.Client satisfies this directly.
type RequestExecutor interface {
	Do(req *http.Request) (*http.Response, error)
}

// SourceKind discriminates a Source's shape.
type SourceKind int

const (
	// SourceNetwork fetches bytes over HTTP(S) from URL.
	SourceNetwork SourceKind = iota
	// SourceProvider fetches bytes from a caller-supplied Provider, bypassing
	// the downloader (its request coalescing and circuit breaker). A Provider
	// failure is still passed to the Manager's retry strategy.
	SourceProvider
)

// Source names where to obtain image bytes for a cache key that missed both
// tiers (spec.md §3: "Source = Network(url, cache_key) | Provider(cache_key,
// provider)").
type Source struct {
	Kind     SourceKind
	URL      string
	CacheKey string
	Provider Provider
}

// NetworkSource builds a Source fetched over HTTP(S). cacheKey defaults to
// url when empty.
func NetworkSource(url, cacheKey string) Source {
	if cacheKey == "" {
		cacheKey = url
	}
	return Source{Kind: SourceNetwork, URL: url, CacheKey: cacheKey}
}

// ProviderSource builds a Source fetched from a caller-supplied Provider.
func ProviderSource(cacheKey string, provider Provider) Source {
	return Source{Kind: SourceProvider, CacheKey: cacheKey, Provider: provider}
}

// Key returns the cache key this source resolves to.
func (s Source) Key() string { return s.CacheKey }

// Provider supplies raw bytes for a cache key from anywhere other than the
// built-in HTTP downloader: an embedded asset bundle, another cache tier, a
// generated placeholder. See spec.md §3, glossary "Provider".
type Provider interface {
	CacheKey() string
	Load(ctx context.Context) ([]byte, error)
}

// ExpirationPolicy and Extend are re-exported so callers configuring a
// Manager don't need to import internal/expiry directly.
type ExpirationPolicy = expiry.Policy
type ExtendPolicy = expiry.Extend

var (
	NeverExpire       = expiry.NeverExpire
	ExpireIn          = expiry.ExpireIn
	ExpireInDays      = expiry.ExpireInDays
	ExpireAt          = expiry.ExpireAt
	AlreadyExpired    = expiry.AlreadyExpired
	NoExtend          = expiry.NoExtend
	ExtendByCacheTime = expiry.ExtendByCacheTime
	ExtendByCustomTTL = expiry.ExtendByCustomTTL
)

// StdDecoder decodes PNG/JPEG/GIF (and anything else registered via
// image.RegisterFormat) using only the standard library. It ignores
// DecodeOptions.MaxPixelSize — full decode, no downsampling — callers
// needing cheaper decode paths should supply their own Decoder.
type StdDecoder struct{}

// Options describes the three tiers' worth of configuration a caller may
// supply to NewManager (spec.md §6 "Configuration options").
type Options struct {
	Memory     MemoryOptions
	Disk       DiskOptions
	Downloader DownloaderOptions
}

// MemoryOptions configures the memory tier.
type MemoryOptions struct {
	TotalCostLimit    int64
	CountLimit        int64
	DefaultExpiration time.Duration
	CleanInterval     time.Duration
}

// DiskOptions configures the disk tier.
type DiskOptions struct {
	RootPath          string
	SizeLimit         int64
	DefaultExpiration time.Duration
	CleanInterval     time.Duration
	Compress          bool
	MinFreeDiskSpace  int64
}

// DownloaderOptions configures the network tier.
type DownloaderOptions struct {
	MaxConcurrentDownloads int
	RequestTimeout         time.Duration
	BandwidthLimitBytesSec int
	RespectCacheControl    bool
}
