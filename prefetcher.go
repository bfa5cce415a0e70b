package imagecache

import (
	"context"

	"imagecache/internal/prefetch"
)

// managerDriver adapts Manager to prefetch.Driver for one Prefetch call.
type managerDriver struct {
	mgr     *Manager
	sources map[string]Source
	opts    RetrieveOptions
}

func (d *managerDriver) Lookup(_ context.Context, key string) prefetch.CacheLookup {
	src, ok := d.sources[key]
	if !ok {
		return prefetch.CacheNone
	}
	effKey := effectiveKey(src.Key(), processorIdentifier(d.opts.Processor))
	if d.mgr.IsCachedInMemory(effKey) {
		return prefetch.CacheMemory
	}
	if d.mgr.IsCachedOnDisk(effKey, d.opts.ForcedExt) {
		return prefetch.CacheDisk
	}
	return prefetch.CacheNone
}

func (d *managerDriver) Load(ctx context.Context, key string, forceRefresh, loadOnly bool) error {
	src, ok := d.sources[key]
	if !ok {
		return nil
	}
	opts := d.opts
	opts.ForceRefresh = forceRefresh
	// loadOnly (AlsoPrefetchToMemory's "load via Manager without download")
	// must still promote a disk hit into memory, so it uses NoNetwork, not
	// FromMemoryOnlyOrRefresh which would skip the disk tier entirely.
	opts.NoNetwork = loadOnly && !forceRefresh
	_, err := d.mgr.Retrieve(ctx, src, opts)
	return err
}

func processorIdentifier(p Processor) string {
	if p == nil {
		return ""
	}
	return p.Identifier()
}

// Prefetch implements C10 for this Manager: it drives every source to a
// terminal state with at most cfg.MaxConcurrentDownloads concurrent
// fetches, skipping sources already satisfied by memory or (unless
// cfg.AlsoPrefetchToMemory) disk.
func (m *Manager) Prefetch(ctx context.Context, sources []Source, opts RetrieveOptions, cfg prefetch.Config) prefetch.Checkpoint {
	bySourceKey := make(map[string]Source, len(sources))
	items := make([]prefetch.Source, 0, len(sources))
	for _, s := range sources {
		bySourceKey[s.Key()] = s
		items = append(items, prefetch.Source{Key: s.Key()})
	}

	driver := &managerDriver{mgr: m, sources: bySourceKey, opts: opts}
	pf := prefetch.New(driver, cfg)
	return pf.Run(ctx, items)
}
