package imagecache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"imagecache/internal/cacheerr"
	"imagecache/internal/cachestats"
	"imagecache/internal/diskstore"
	"imagecache/internal/downloader"
	"imagecache/internal/expiry"
	"imagecache/internal/memstore"
	"imagecache/internal/metrics"
	"imagecache/internal/retry"
	"imagecache/internal/serializer"
)

// Origin reports which tier satisfied a Retrieve call.
type Origin int

const (
	FromMemory Origin = iota
	FromDisk
	FromNetwork
)

func (o Origin) String() string {
	switch o {
	case FromMemory:
		return "memory"
	case FromDisk:
		return "disk"
	case FromNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// RetrieveOptions carries the per-request knobs spec.md §6 lists under
// "Retrieval options".
type RetrieveOptions struct {
	Processor               Processor
	BackgroundDecode        bool
	FromMemoryOnlyOrRefresh bool
	// NoNetwork checks memory then disk (promoting a disk hit into memory
	// same as any other Retrieve) but never falls through to the network on
	// a miss — spec.md §4.10's "load via Manager without download" path for
	// AlsoPrefetchToMemory. Unlike FromMemoryOnlyOrRefresh this does not
	// skip the disk tier.
	NoNetwork            bool
	AlsoPrefetchToMemory bool
	ForceRefresh         bool
	MemoryExpiration        expiry.Policy
	DiskExpiration          expiry.Policy
	MemoryExtend            expiry.Extend
	DiskExtend              expiry.Extend
	SkipDiskWrite           bool
	ForcedExt               string
	LowDataMode             bool
	Modifier                downloader.Modifier
	RedirectHandler         func(req *http.Request) *http.Request
	RetryStrategy           retry.Strategy
	OnDataReceived          func(chunk []byte, total int64)
}

// Result is what a successful Retrieve returns.
type Result struct {
	Image  *Image
	Origin Origin
}

// Manager is C9: the top-level memory -> disk -> network -> process ->
// repopulate coordinator.
type Manager struct {
	mem        *memstore.Store[Image]
	disk       *diskstore.Store
	downloader *downloader.Downloader
	decoder    Decoder
	serializer *serializer.Serializer
	retry      retry.Strategy
	logger     *slog.Logger
	metrics    *metrics.Collector
	stats      *cachestats.Store
	tracer     trace.Tracer

	sfg singleflight.Group
}

// SetMetrics attaches a metrics.Collector; every Retrieve call after this
// increments its tier counters. Pass nil to detach.
func (m *Manager) SetMetrics(c *metrics.Collector) { m.metrics = c }

// SetStats attaches a cachestats.Store so every Retrieve outcome after this
// also accumulates into its daily SQLite-backed counters, alongside (not
// instead of) the live Prometheus counters SetMetrics attaches. Pass nil to
// detach.
func (m *Manager) SetStats(s *cachestats.Store) { m.stats = s }

// SetTracer attaches an OTel tracer; Retrieve wraps its stages in spans
// under it. Defaults to otel.Tracer("imagecache"), a no-op until a real
// TracerProvider is registered globally.
func (m *Manager) SetTracer(t trace.Tracer) { m.tracer = t }

// NewManager wires the three tiers per opts. decoder and logger may be nil
// (StdDecoder and slog.Default() are used respectively).
func NewManager(opts Options, decoder Decoder, retryStrategy retry.Strategy, executor downloader.RequestExecutor, logger *slog.Logger) (*Manager, error) {
	if decoder == nil {
		decoder = StdDecoder{}
	}
	if retryStrategy == nil {
		retryStrategy = retry.NoRetry{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	mem, err := memstore.New[Image](memstore.Config{
		TotalCostLimit:    opts.Memory.TotalCostLimit,
		CountLimit:        opts.Memory.CountLimit,
		DefaultExpiration: opts.Memory.DefaultExpiration,
		CleanInterval:     opts.Memory.CleanInterval,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("imagecache: memory store: %w", err)
	}

	var disk *diskstore.Store
	if opts.Disk.RootPath != "" {
		disk, err = diskstore.New(diskstore.Config{
			RootPath:          opts.Disk.RootPath,
			SizeLimit:         opts.Disk.SizeLimit,
			DefaultExpiration: opts.Disk.DefaultExpiration,
			CleanInterval:     opts.Disk.CleanInterval,
			Compress:          opts.Disk.Compress,
			MinFreeDiskSpace:  opts.Disk.MinFreeDiskSpace,
			Logger:            logger,
		})
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("imagecache: disk store: %w", err)
		}
	}

	dl := downloader.New(downloader.Config{
		Executor:               executor,
		RequestTimeout:         opts.Downloader.RequestTimeout,
		BandwidthLimitBytesSec: opts.Downloader.BandwidthLimitBytesSec,
		RespectCacheControl:    opts.Downloader.RespectCacheControl,
		Logger:                 logger,
	})

	return &Manager{
		mem:        mem,
		disk:       disk,
		downloader: dl,
		decoder:    decoder,
		serializer: serializer.New(),
		retry:      retryStrategy,
		logger:     logger,
		tracer:     otel.Tracer("imagecache"),
	}, nil
}

// Retrieve implements spec.md §4.9's order of operations.
func (m *Manager) Retrieve(ctx context.Context, src Source, opts RetrieveOptions) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "imagecache.Retrieve")
	defer span.End()

	processorID := ""
	if opts.Processor != nil {
		processorID = opts.Processor.Identifier()
	}
	key := effectiveKey(src.Key(), processorID)

	if !opts.ForceRefresh {
		memCtx, memSpan := m.tracer.Start(ctx, "imagecache.memory")
		img, ok := m.mem.Value(key, opts.MemoryExtend)
		memSpan.End()
		_ = memCtx
		if ok {
			if m.metrics != nil {
				m.metrics.MemoryHits.Inc()
			}
			if m.stats != nil {
				m.recordStatErr(m.stats.RecordMemoryHit())
			}
			return &Result{Image: &img, Origin: FromMemory}, nil
		}
	}

	if opts.FromMemoryOnlyOrRefresh && !opts.ForceRefresh {
		return nil, nil
	}

	if !opts.ForceRefresh && m.disk != nil {
		diskCtx, diskSpan := m.tracer.Start(ctx, "imagecache.disk")
		data, ok := m.disk.Value(key, opts.DiskExtend, opts.ForcedExt)
		diskSpan.End()
		_ = diskCtx
		if ok {
			img, decodeErr := m.decodeStored(data, opts)
			if decodeErr == nil {
				m.mem.Store(key, *img, opts.MemoryExpiration)
				if m.metrics != nil {
					m.metrics.DiskHits.Inc()
				}
				if m.stats != nil {
					m.recordStatErr(m.stats.RecordDiskHit())
				}
				return &Result{Image: img, Origin: FromDisk}, nil
			}
			m.logger.Warn("imagecache: disk entry failed to decode, refetching", "key", key, "err", decodeErr)
		}
	}

	if opts.NoNetwork && !opts.ForceRefresh {
		return nil, nil
	}

	rc := retry.Context{Key: key}
	strategy := opts.RetryStrategy
	if strategy == nil {
		strategy = m.retry
	}

	netCtx, netSpan := m.tracer.Start(ctx, "imagecache.network")
	defer netSpan.End()

	for {
		img, err := m.fetchAndProcess(netCtx, src, key, opts)
		if err == nil {
			m.mem.Store(key, *img, opts.MemoryExpiration)
			if m.metrics != nil {
				m.metrics.NetworkFetches.Inc()
			}
			if m.stats != nil {
				// CacheCost is the best byte-size proxy available here: the
				// original response body isn't threaded back out of
				// fetchAndProcess once decoded.
				m.recordStatErr(m.stats.RecordNetworkFetch(int64(img.CacheCost())))
			}
			return &Result{Image: img, Origin: FromNetwork}, nil
		}

		rc.Err = err
		outcome, rerr := strategy.Decide(netCtx, rc)
		if rerr != nil || outcome.Decision == retry.Stop {
			if m.metrics != nil {
				m.metrics.Misses.Inc()
			}
			if m.stats != nil {
				m.recordStatErr(m.stats.RecordMiss())
			}
			return nil, err
		}
		rc.RetriedCount++
		rc.UserInfo = outcome.UserInfo
		if m.metrics != nil {
			m.metrics.RetryAttempts.Inc()
		}
	}
}

// fetchGroupResult is what the singleflight group produces for one
// effective key's in-flight network round.
type fetchGroupResult struct {
	img *Image
}

// fetchAndProcess fetches raw bytes (via the network or a Provider) and
// runs decode+process, deduplicating concurrent callers that share the
// same effective key the way C6 requires a processor to run at most once
// per identifier per download: golang.org/x/sync/singleflight is the
// exact shape that guarantee needs (one executor, result fanned out to
// every waiter, no per-waiter cancellation) — a better fit here than for
// SessionTask/SessionManager, which additionally need individual cancel
// tokens and per-subscriber data-received callbacks that singleflight
// doesn't model.
func (m *Manager) fetchAndProcess(ctx context.Context, src Source, key string, opts RetrieveOptions) (*Image, error) {
	v, err, _ := m.sfg.Do(key, func() (any, error) {
		var data []byte
		var fetchErr error

		switch src.Kind {
		case SourceNetwork:
			fetched, ttlHint, err := m.downloader.Fetch(ctx, src.URL, downloader.FetchOptions{
				Modifier:        opts.Modifier,
				LowDataMode:     opts.LowDataMode,
				OnDataReceived:  opts.OnDataReceived,
				RedirectHandler: opts.RedirectHandler,
			})
			data, fetchErr = fetched, err
			if ttlHint > 0 && opts.DiskExpiration.IsZero() {
				opts.DiskExpiration = expiry.ExpireIn(ttlHint)
			}
		case SourceProvider:
			if src.Provider == nil {
				return nil, &cacheerr.RequestError{Kind: cacheerr.InvalidURL}
			}
			data, fetchErr = src.Provider.Load(ctx)
		default:
			return nil, &cacheerr.RequestError{Kind: cacheerr.InvalidURL}
		}

		if fetchErr != nil {
			return nil, fetchErr
		}

		img, procErr := m.decodeAndProcess(data, opts)
		if procErr != nil {
			return nil, procErr
		}

		if m.disk != nil && !opts.SkipDiskWrite {
			m.storeToDisk(key, img, data, opts)
		}

		return &fetchGroupResult{img: img}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fetchGroupResult).img, nil
}

func (m *Manager) decodeAndProcess(data []byte, opts RetrieveOptions) (*Image, error) {
	if opts.Processor == nil && !opts.BackgroundDecode {
		return &Image{Cost: len(data)}, nil
	}

	img, err := m.decoder.Decode(data, DecodeOptions{})
	if err != nil {
		return nil, err
	}
	if opts.Processor == nil {
		return img, nil
	}

	processed, err := opts.Processor.Process(img, ProcessOptions{})
	if err != nil {
		return nil, &cacheerr.ProcessorError{ProcessorIdentifier: opts.Processor.Identifier(), Err: err}
	}
	return processed, nil
}

func (m *Manager) decodeStored(data []byte, opts RetrieveOptions) (*Image, error) {
	if !opts.BackgroundDecode && opts.Processor == nil {
		return &Image{Cost: len(data)}, nil
	}
	return m.decoder.Decode(data, DecodeOptions{})
}

func (m *Manager) storeToDisk(key string, img *Image, original []byte, opts RetrieveOptions) {
	var (
		bytesOut []byte
		err      error
	)
	if img.Img == nil {
		bytesOut = original
	} else {
		bytesOut, _, err = m.serializer.Serialize(img.Img, original)
		if err != nil {
			m.logger.Warn("imagecache: serialize for disk failed, skipping disk write", "key", key, "err", err)
			return
		}
	}

	if err := m.disk.Store(key, bytesOut, opts.DiskExpiration, opts.ForcedExt); err != nil {
		m.logger.Warn("imagecache: disk write failed", "key", key, "err", err)
	}
}

// IsCachedInMemory reports whether key (already effective, i.e. with any
// processor suffix applied by the caller) has a live memory entry.
func (m *Manager) IsCachedInMemory(key string) bool { return m.mem.IsCached(key) }

// IsCachedOnDisk reports whether key has a live disk entry.
func (m *Manager) IsCachedOnDisk(key string, forcedExt string) bool {
	if m.disk == nil {
		return false
	}
	return m.disk.IsCached(key, forcedExt)
}

// Remove evicts key from both tiers.
func (m *Manager) Remove(key string, forcedExt string) {
	var evicted int64
	if img, ok := m.mem.Value(key, expiry.NoExtend()); ok {
		evicted = int64(img.CacheCost())
	}
	m.mem.Remove(key)

	if m.disk != nil {
		before := m.disk.TotalSize()
		m.disk.Remove(key, forcedExt)
		if after := m.disk.TotalSize(); before > after {
			evicted += before - after
		}
	}

	if m.stats != nil && evicted > 0 {
		m.recordStatErr(m.stats.RecordEviction(evicted))
	}
}

// Clear empties both tiers.
func (m *Manager) Clear() {
	var evicted int64
	if m.disk != nil {
		evicted = m.disk.TotalSize()
	}
	m.mem.RemoveAll()
	if m.disk != nil {
		m.disk.RemoveAll()
	}
	if m.stats != nil && evicted > 0 {
		m.recordStatErr(m.stats.RecordEviction(evicted))
	}
}

// Close releases both tiers' background goroutines.
func (m *Manager) Close() {
	m.mem.Close()
	if m.disk != nil {
		m.disk.Close()
	}
}

// recordStatErr logs a cachestats write failure without interrupting the
// Retrieve call it accompanies — daily stats are best-effort observability,
// not a correctness dependency.
func (m *Manager) recordStatErr(err error) {
	if err != nil {
		m.logger.Warn("imagecache: cachestats write failed", "err", err)
	}
}
