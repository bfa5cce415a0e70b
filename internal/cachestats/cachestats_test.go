package cachestats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestRecordMemoryHitAccumulatesIntoTodaysRow(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordMemoryHit())
	require.NoError(t, s.RecordMemoryHit())

	rows, err := s.History(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].MemoryHits)
	assert.Equal(t, today(), rows[0].Date)
}

func TestRecordNetworkFetchAddsBytesAndCount(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordNetworkFetch(100))
	require.NoError(t, s.RecordNetworkFetch(250))

	rows, err := s.History(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].NetworkFetches)
	assert.EqualValues(t, 350, rows[0].BytesFetched)
}

func TestDistinctCountersAreIndependent(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordDiskHit())
	require.NoError(t, s.RecordMiss())
	require.NoError(t, s.RecordEviction(64))

	rows, err := s.History(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].DiskHits)
	assert.EqualValues(t, 1, rows[0].Misses)
	assert.EqualValues(t, 64, rows[0].BytesEvicted)
	assert.Zero(t, rows[0].MemoryHits)
}

func TestHistoryReturnsOldestFirst(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.RecordMemoryHit())

	rows, err := s.History(30)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, today(), rows[len(rows)-1].Date)
}

func TestHistoryOnEmptyStoreReturnsNoRows(t *testing.T) {
	s := newStore(t)
	rows, err := s.History(7)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
