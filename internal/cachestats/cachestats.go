// Package cachestats persists daily cache activity using gorm.io/gorm over
// github.com/glebarez/sqlite, adapted from the teacher's
// internal/storage.DailyStat/AppSetting models and internal/analytics's
// SQL-upsert counters — generalized from "bytes and files downloaded" to
// "hits per tier, misses, bytes fetched, bytes evicted".
package cachestats

import (
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DailyStat is one day's aggregate cache activity.
type DailyStat struct {
	Date          string `gorm:"primaryKey"` // "YYYY-MM-DD"
	MemoryHits    int64  `gorm:"default:0"`
	DiskHits      int64  `gorm:"default:0"`
	NetworkFetches int64 `gorm:"default:0"`
	Misses        int64  `gorm:"default:0"`
	BytesFetched  int64  `gorm:"default:0"`
	BytesEvicted  int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_cache_stats" }

// Store wraps a gorm.DB bound to a SQLite file, providing upsert-style
// counters the way the teacher's StatsManager does over its own schema.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open creates (or reuses) the SQLite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("cachestats: open: %w", err)
	}
	if err := db.AutoMigrate(&DailyStat{}); err != nil {
		return nil, fmt.Errorf("cachestats: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func (s *Store) upsert(mutate func(*DailyStat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := today()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.Where("date = ?", date).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			row = DailyStat{Date: date}
		} else if err != nil {
			return err
		}
		mutate(&row)
		return tx.Save(&row).Error
	})
}

// RecordMemoryHit increments today's memory-hit counter.
func (s *Store) RecordMemoryHit() error {
	return s.upsert(func(r *DailyStat) { r.MemoryHits++ })
}

// RecordDiskHit increments today's disk-hit counter.
func (s *Store) RecordDiskHit() error {
	return s.upsert(func(r *DailyStat) { r.DiskHits++ })
}

// RecordNetworkFetch increments today's network-fetch counter and adds
// bytes to the running total.
func (s *Store) RecordNetworkFetch(bytes int64) error {
	return s.upsert(func(r *DailyStat) {
		r.NetworkFetches++
		r.BytesFetched += bytes
	})
}

// RecordMiss increments today's miss counter (a retrieval that failed at
// every tier).
func (s *Store) RecordMiss() error {
	return s.upsert(func(r *DailyStat) { r.Misses++ })
}

// RecordEviction adds bytes to today's eviction total.
func (s *Store) RecordEviction(bytes int64) error {
	return s.upsert(func(r *DailyStat) { r.BytesEvicted += bytes })
}

// History returns the last n days of recorded activity, most recent last.
func (s *Store) History(n int) ([]DailyStat, error) {
	var rows []DailyStat
	if err := s.db.Order("date desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
