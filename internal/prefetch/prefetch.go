// Package prefetch implements C10: a bounded-concurrency batch driver over
// the Manager. Concurrency is capped with golang.org/x/sync/errgroup's
// SetLimit rather than a hand-rolled worker pool channel, the idiom the
// rest of the example pack reaches for when it needs "run N things, no
// more than K at once, collect the first error" — a cleaner fit than the
// teacher's own queue.DownloadQueue+sync.Cond pool, which exists to support
// priority reordering this batch driver doesn't need.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// State is one source's progress through a prefetch run.
type State int

const (
	Pending State = iota
	InFlight
	Completed
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// CacheLookup reports how a source currently stands relative to the cache,
// letting Prefetcher skip redundant downloads (spec.md §4.10 "Per-source
// path").
type CacheLookup int

const (
	CacheNone CacheLookup = iota
	CacheMemory
	CacheDisk
)

// Source is one item the Prefetcher drives through Manager.
type Source struct {
	Key          string
	ForceRefresh bool
}

// Driver is the subset of Manager behavior Prefetcher needs, kept narrow so
// tests can supply a fake.
type Driver interface {
	// Lookup reports the source's current cache standing without fetching.
	Lookup(ctx context.Context, key string) CacheLookup
	// Load executes the fetch-or-load path for key. loadOnly, when true and
	// the source is already on disk, should populate memory without a
	// network round trip (AlsoPrefetchToMemory).
	Load(ctx context.Context, key string, forceRefresh, loadOnly bool) error
}

// Checkpoint is a msgpack-encodable snapshot of a run's progress, letting a
// long prefetch batch resume after a restart instead of starting over.
type Checkpoint struct {
	Completed []string `msgpack:"completed"`
	Failed    []string `msgpack:"failed"`
	Skipped   []string `msgpack:"skipped"`
}

// Encode serializes the checkpoint.
func (c Checkpoint) Encode() ([]byte, error) { return msgpack.Marshal(c) }

// DecodeCheckpoint restores a checkpoint previously produced by Encode.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var c Checkpoint
	err := msgpack.Unmarshal(data, &c)
	return c, err
}

// Config configures a Prefetcher run.
type Config struct {
	MaxConcurrentDownloads int
	AlsoPrefetchToMemory   bool
	OnProgress             func(completed, failed, skipped, total int)
	Logger                 *slog.Logger
}

// Prefetcher drives a batch of Sources through a Driver with bounded
// concurrency (spec.md §4.10).
type Prefetcher struct {
	driver Driver
	cfg    Config

	mu       sync.Mutex
	states   map[string]State
	stopped  atomic.Bool
	cancels  map[string]context.CancelFunc
}

// New creates a Prefetcher bound to driver.
func New(driver Driver, cfg Config) *Prefetcher {
	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prefetcher{
		driver:  driver,
		cfg:     cfg,
		states:  make(map[string]State),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run drives every source to a terminal state, bounded by
// cfg.MaxConcurrentDownloads concurrent in-flight fetches. It returns a
// Checkpoint describing the outcome.
func (p *Prefetcher) Run(ctx context.Context, sources []Source) Checkpoint {
	for _, s := range sources {
		p.setState(s.Key, Pending)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentDownloads)

	var completed, failed, skipped atomic.Int64
	total := len(sources)

	report := func() {
		if p.cfg.OnProgress != nil {
			p.cfg.OnProgress(int(completed.Load()), int(failed.Load()), int(skipped.Load()), total)
		}
	}

	for _, s := range sources {
		s := s
		g.Go(func() error {
			if p.stopped.Load() {
				p.setState(s.Key, Failed)
				failed.Add(1)
				report()
				return nil
			}

			taskCtx, cancel := context.WithCancel(gctx)
			p.mu.Lock()
			p.cancels[s.Key] = cancel
			p.mu.Unlock()
			defer cancel()

			if !s.ForceRefresh {
				switch p.driver.Lookup(taskCtx, s.Key) {
				case CacheMemory:
					p.setState(s.Key, Skipped)
					skipped.Add(1)
					report()
					return nil
				case CacheDisk:
					if !p.cfg.AlsoPrefetchToMemory {
						p.setState(s.Key, Skipped)
						skipped.Add(1)
						report()
						return nil
					}
					p.setState(s.Key, InFlight)
					if err := p.driver.Load(taskCtx, s.Key, false, true); err != nil {
						p.setState(s.Key, Failed)
						failed.Add(1)
					} else {
						p.setState(s.Key, Completed)
						completed.Add(1)
					}
					report()
					return nil
				}
			}

			p.setState(s.Key, InFlight)
			if err := p.driver.Load(taskCtx, s.Key, s.ForceRefresh, false); err != nil {
				p.setState(s.Key, Failed)
				failed.Add(1)
			} else {
				p.setState(s.Key, Completed)
				completed.Add(1)
			}
			report()
			return nil
		})
	}

	_ = g.Wait()

	return p.snapshot()
}

// Stop marks the Prefetcher stopped and cancels every in-flight fetch. Any
// sources still Pending when Run observes the stop are recorded Failed.
func (p *Prefetcher) Stop() {
	p.stopped.Store(true)
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (p *Prefetcher) setState(key string, s State) {
	p.mu.Lock()
	p.states[key] = s
	p.mu.Unlock()
}

func (p *Prefetcher) snapshot() Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c Checkpoint
	for key, s := range p.states {
		switch s {
		case Completed:
			c.Completed = append(c.Completed, key)
		case Failed:
			c.Failed = append(c.Failed, key)
		case Skipped:
			c.Skipped = append(c.Skipped, key)
		}
	}
	return c
}

// State returns the current state of one source, mostly for tests.
func (p *Prefetcher) State(key string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[key]
}
