// Package diskstore implements C2: a persistent key→bytes store that rides
// filesystem attributes for metadata instead of a sidecar index, the way
// the teacher's internal/filesystem and internal/integrity packages treat
// the download directory as the source of truth rather than duplicating
// state in a database. Hashed filenames are adapted from the teacher's
// integrity.CalculateHash (sha256 instead of a content hash), and the
// free-space guard is adapted from filesystem.Allocator.checkDiskSpace.
package diskstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shirou/gopsutil/v3/disk"

	"imagecache/internal/cacheerr"
	"imagecache/internal/expiry"
)

// gzipMagic is the two-byte header every gzip stream starts with, used to
// detect a compressed entry on read without needing a separate metadata
// flag per file.
var gzipMagic = []byte{0x1f, 0x8b}

func compressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// diskFreeBuffer mirrors the teacher's 100MB stability buffer in
// filesystem.Allocator.checkDiskSpace.
const diskFreeBuffer = 100 * 1024 * 1024

// Config configures a Store.
type Config struct {
	RootPath          string
	SizeLimit         int64 // 0 disables size trimming
	DefaultExpiration time.Duration
	CleanInterval     time.Duration
	Compress          bool
	MinFreeDiskSpace  int64
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultExpiration <= 0 {
		c.DefaultExpiration = 7 * 24 * time.Hour
	}
	if c.CleanInterval <= 0 {
		c.CleanInterval = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// job is one unit of work run on the store's serial executor.
type job struct {
	fn   func()
	done chan struct{}
}

// Store is a filesystem-backed byte store. All blocking FS operations for
// one Store run on a single private goroutine, matching spec.md §5's "a
// private serial executor owns all blocking FS ops for a single store".
type Store struct {
	cfg Config

	jobs chan job
	stop chan struct{}
	wg   sync.WaitGroup

	maybeCached   sync.Map // key(string) -> struct{}, optimistic membership set
	maybeReady    atomic.Bool
	maybeCacheMu  sync.Mutex // serializes the one background population pass
}

// New creates a Store rooted at cfg.RootPath, creating the directory if
// needed, and kicks off the background "maybe-cached" set population and
// the periodic sweep.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.RootPath == "" {
		return nil, &cacheerr.CacheError{Kind: cacheerr.DiskStorageIsNotReady, Err: errors.New("empty root path")}
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, &cacheerr.CacheError{Kind: cacheerr.CannotCreateDirectory, Path: cfg.RootPath, Err: err}
	}

	s := &Store{
		cfg:  cfg,
		jobs: make(chan job, 64),
		stop: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runExecutor()

	go s.populateMaybeCached()
	go s.sweepLoop()

	return s, nil
}

func (s *Store) runExecutor() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			j.fn()
			close(j.done)
		case <-s.stop:
			return
		}
	}
}

// run submits fn to the serial executor and blocks until it completes.
func (s *Store) run(fn func()) {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case s.jobs <- j:
		<-j.done
	case <-s.stop:
	}
}

func (s *Store) populateMaybeCached() {
	entries, err := os.ReadDir(s.cfg.RootPath)
	if err != nil {
		s.cfg.Logger.Warn("diskstore: maybe-cached set population failed, falling back to stat checks", "err", err)
		return
	}
	s.maybeCacheMu.Lock()
	defer s.maybeCacheMu.Unlock()
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s.maybeCached.Store(e.Name(), struct{}{})
	}
	s.maybeReady.Store(true)
}

// filename computes the on-disk basename for key, applying the extension
// rule from spec.md §4.2: forcedExt wins, else the store's configured
// extension (not modeled here — callers pass forcedExt directly), else
// nothing.
func filename(key, forcedExt string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	if forcedExt != "" {
		name += "." + strings.TrimPrefix(forcedExt, ".")
	}
	return name
}

func (s *Store) path(key, forcedExt string) string {
	return filepath.Join(s.cfg.RootPath, filename(key, forcedExt))
}

func (s *Store) checkDiskSpace(required int64) error {
	usage, err := disk.Usage(s.cfg.RootPath)
	if err != nil {
		return &cacheerr.CacheError{Kind: cacheerr.DiskStorageIsNotReady, Path: s.cfg.RootPath, Err: err}
	}
	buffer := int64(diskFreeBuffer)
	if s.cfg.MinFreeDiskSpace > 0 {
		buffer = s.cfg.MinFreeDiskSpace
	}
	if int64(usage.Free) < required+buffer {
		return &cacheerr.CacheError{
			Kind: cacheerr.DiskStorageIsNotReady,
			Path: s.cfg.RootPath,
			Err:  fmt.Errorf("disk full: need %d bytes, have %d free", required, usage.Free),
		}
	}
	return nil
}

// Store writes data under key. See spec.md §4.2 "Write semantics": on a
// missing-directory failure, the directory is recreated once and the write
// retried once; any subsequent failure removes the partial file. After a
// successful write, the two filesystem-attribute timestamps are set; if
// that fails the file is deleted and the failure reported.
func (s *Store) Store(key string, data []byte, policy expiry.Policy, forcedExt string) error {
	var outErr error
	s.run(func() {
		if err := s.checkDiskSpace(int64(len(data))); err != nil {
			outErr = err
			return
		}

		path := s.path(key, forcedExt)
		now := time.Now()

		toWrite := data
		if s.cfg.Compress {
			compressed, cErr := compressBytes(data)
			if cErr != nil {
				outErr = &cacheerr.CacheError{Kind: cacheerr.CannotConvertToData, Key: key, Err: cErr}
				return
			}
			toWrite = compressed
		}

		writeOnce := func() error {
			return os.WriteFile(path, toWrite, 0o644)
		}

		if err := writeOnce(); err != nil {
			if os.IsNotExist(err) {
				if mkErr := os.MkdirAll(s.cfg.RootPath, 0o755); mkErr != nil {
					outErr = &cacheerr.CacheError{Kind: cacheerr.CannotCreateDirectory, Path: s.cfg.RootPath, Err: mkErr}
					return
				}
				err = writeOnce()
			}
			if err != nil {
				_ = os.Remove(path)
				outErr = &cacheerr.CacheError{Kind: cacheerr.CannotCreateCacheFile, Path: path, Key: key, Err: err}
				return
			}
		}

		var expiresAt time.Time
		if policy.IsZero() {
			expiresAt = now.Add(s.cfg.DefaultExpiration)
		} else {
			expiresAt = policy.EstimatedExpiration(now)
			if expiresAt.IsZero() {
				expiresAt = now.Add(100 * 365 * 24 * time.Hour) // "never": far future mtime
			}
		}

		// atime = last access (creation-date attribute), mtime = estimated
		// expiration (modification-date attribute), per spec.md §3/§6.
		if err := os.Chtimes(path, now, expiresAt); err != nil {
			_ = os.Remove(path)
			outErr = &cacheerr.CacheError{Kind: cacheerr.CannotSetCacheFileAttribute, Path: path, Key: key, Err: err}
			return
		}

		s.maybeCached.Store(filepath.Base(path), struct{}{})
	})
	return outErr
}

// Value loads the bytes stored under key. IsCached shares the same lookup
// with file loading turned off, performing only the membership/expiration
// check without reading file contents.
func (s *Store) Value(key string, extend expiry.Extend, forcedExt string) ([]byte, bool) {
	return s.value(key, extend, forcedExt, true)
}

// IsCached reports membership without reading file contents.
func (s *Store) IsCached(key string, forcedExt string) bool {
	_, ok := s.value(key, expiry.NoExtend(), forcedExt, false)
	return ok
}

func (s *Store) value(key string, extend expiry.Extend, forcedExt string, actuallyLoad bool) ([]byte, bool) {
	path := s.path(key, forcedExt)
	base := filepath.Base(path)

	if s.maybeReady.Load() {
		if _, known := s.maybeCached.Load(base); !known {
			return nil, false
		}
	}

	var data []byte
	var ok bool
	s.run(func() {
		info, err := os.Stat(path)
		if err != nil {
			s.maybeCached.Delete(base)
			return
		}

		now := time.Now()
		expiresAt := info.ModTime()
		if now.After(expiresAt) {
			return
		}

		if actuallyLoad {
			b, err := os.ReadFile(path)
			if err != nil {
				return
			}
			if bytes.HasPrefix(b, gzipMagic) {
				if decompressed, dErr := decompressBytes(b); dErr == nil {
					b = decompressed
				}
			}
			data = b
		}
		ok = true

		if extend.Kind() != expiry.ExtendNone {
			accessedAt := accessTime(info)
			nextExpiry := extend.NextExpiration(now, accessedAt, expiresAt)
			_ = os.Chtimes(path, now, nextExpiry)
		}
	})
	return data, ok
}

// Remove deletes the file for key, if present.
func (s *Store) Remove(key string, forcedExt string) {
	path := s.path(key, forcedExt)
	s.run(func() {
		_ = os.Remove(path)
		s.maybeCached.Delete(filepath.Base(path))
	})
}

// RemoveAll deletes every non-hidden file at the store root.
func (s *Store) RemoveAll() {
	s.run(func() {
		entries, err := os.ReadDir(s.cfg.RootPath)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			_ = os.Remove(filepath.Join(s.cfg.RootPath, e.Name()))
		}
		s.maybeCached = sync.Map{}
	})
}

type diskEntry struct {
	name       string
	path       string
	size       int64
	accessedAt time.Time
	expiresAt  time.Time
}

func (s *Store) listEntries() []diskEntry {
	entries, err := os.ReadDir(s.cfg.RootPath)
	if err != nil {
		return nil
	}
	out := make([]diskEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Unreadable metadata is treated as expired per spec.md §4.2.
			out = append(out, diskEntry{name: e.Name(), path: filepath.Join(s.cfg.RootPath, e.Name()), expiresAt: time.Unix(0, 0)})
			continue
		}
		out = append(out, diskEntry{
			name:       e.Name(),
			path:       filepath.Join(s.cfg.RootPath, e.Name()),
			size:       info.Size(),
			accessedAt: accessTime(info),
			expiresAt:  info.ModTime(),
		})
	}
	return out
}

// RemoveExpired walks the store root and deletes every file whose
// expiration attribute is before reference, returning the removed entries'
// hashed on-disk filenames. spec.md §4.2/S4 calls this "removed_urls", but
// the disk tier never stores the original URL or cache key — only its
// sha256-derived filename — so that's what callers get back here.
func (s *Store) RemoveExpired() []string {
	var removed []string
	s.run(func() {
		now := time.Now()
		for _, e := range s.listEntries() {
			if now.After(e.expiresAt) {
				_ = os.Remove(e.path)
				s.maybeCached.Delete(e.name)
				removed = append(removed, e.name)
			}
		}
	})
	return removed
}

// RemoveSizeExceeded trims the store down to half of SizeLimit, evicting
// least-recently-accessed entries first, per spec.md §4.2 "Size trim".
func (s *Store) RemoveSizeExceeded() []string {
	if s.cfg.SizeLimit <= 0 {
		return nil
	}
	var removed []string
	s.run(func() {
		entries := s.listEntries()
		var total int64
		for _, e := range entries {
			total += e.size
		}
		if total <= s.cfg.SizeLimit {
			return
		}

		// Most-recently-accessed first, so we pop from the tail (LRU) as the
		// source's comment describes.
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].accessedAt.After(entries[j].accessedAt)
		})

		target := s.cfg.SizeLimit / 2
		for i := len(entries) - 1; i >= 0 && total > target; i-- {
			e := entries[i]
			_ = os.Remove(e.path)
			s.maybeCached.Delete(e.name)
			removed = append(removed, e.name)
			total -= e.size
		}
	})
	return removed
}

// TotalSize sums the size of every entry at the store root.
func (s *Store) TotalSize() int64 {
	var total int64
	s.run(func() {
		for _, e := range s.listEntries() {
			total += e.size
		}
	})
	return total
}

// CacheFileURL returns the filesystem path a given key resolves to, without
// touching the filesystem.
func (s *Store) CacheFileURL(key, forcedExt string) string {
	return s.path(key, forcedExt)
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RemoveExpired()
			s.RemoveSizeExceeded()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweep and executor goroutines.
func (s *Store) Close() {
	close(s.stop)
	s.wg.Wait()
}
