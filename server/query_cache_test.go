package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjproxy/ojp/internal/wire"
)

func TestQueryCacheSetThenGetHits(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())

	resp := wire.QueryResponse{Columns: []string{"id"}, Rows: [][]interface{}{{1}}}
	qc.Set("SELECT * FROM t WHERE id = ?", []interface{}{1}, resp)

	got, ok := qc.Get("SELECT * FROM t WHERE id = ?", []interface{}{1})
	require.True(t, ok)
	assert.Equal(t, resp.Columns, got.Columns)

	stats := qc.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestQueryCacheGetMissOnUnknownQuery(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())

	_, ok := qc.Get("SELECT 1", nil)

	assert.False(t, ok)
	assert.Equal(t, int64(1), qc.GetStats().Misses)
}

func TestQueryCacheDisabledNeverStoresOrHits(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: false}, zerolog.Nop())

	qc.Set("SELECT 1", nil, wire.QueryResponse{})
	_, ok := qc.Get("SELECT 1", nil)

	assert.False(t, ok)
	assert.Equal(t, 0, qc.GetStats().CurrentSize)
}

func TestQueryCacheNormalizationMakesQueriesEquivalent(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())

	qc.Set("SELECT   *   FROM t", nil, wire.QueryResponse{RowsAffected: 1})
	got, ok := qc.Get("select * from t", nil)

	require.True(t, ok)
	assert.Equal(t, int64(1), got.RowsAffected)
}

func TestQueryCacheExpiresAfterTTL(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Millisecond, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())

	qc.Set("SELECT 1", nil, wire.QueryResponse{})
	time.Sleep(5 * time.Millisecond)

	_, ok := qc.Get("SELECT 1", nil)

	assert.False(t, ok)
	assert.Equal(t, int64(1), qc.GetStats().Expirations)
}

func TestQueryCacheEvictsLRUBeyondMaxSize(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 2, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())

	qc.Set("SELECT 1", nil, wire.QueryResponse{})
	qc.Set("SELECT 2", nil, wire.QueryResponse{})
	// Touch query 1 so it becomes most-recently-used, leaving query 2 as
	// the LRU victim when query 3 pushes the cache over MaxSize.
	_, _ = qc.Get("SELECT 1", nil)
	qc.Set("SELECT 3", nil, wire.QueryResponse{})

	_, ok1 := qc.Get("SELECT 1", nil)
	_, ok2 := qc.Get("SELECT 2", nil)
	_, ok3 := qc.Get("SELECT 3", nil)

	assert.True(t, ok1)
	assert.False(t, ok2, "least recently used entry must have been evicted")
	assert.True(t, ok3)
	assert.Equal(t, int64(1), qc.GetStats().Evictions)
}

func TestQueryCacheSetOverwritesExistingEntry(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())

	qc.Set("SELECT 1", nil, wire.QueryResponse{RowsAffected: 1})
	qc.Set("SELECT 1", nil, wire.QueryResponse{RowsAffected: 2})

	got, ok := qc.Get("SELECT 1", nil)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.RowsAffected)
	assert.Equal(t, 1, qc.GetStats().CurrentSize)
}

func TestQueryCacheClearRemovesAllEntries(t *testing.T) {
	qc := NewQueryCache(QueryCacheConfig{MaxSize: 10, TTL: time.Minute, CleanupInterval: time.Hour, Enabled: true}, zerolog.Nop())
	qc.Set("SELECT 1", nil, wire.QueryResponse{})
	qc.Set("SELECT 2", nil, wire.QueryResponse{})

	qc.Clear()

	assert.Equal(t, 0, qc.GetStats().CurrentSize)
	_, ok := qc.Get("SELECT 1", nil)
	assert.False(t, ok)
}

func TestNormalizeQueryCollapsesWhitespaceAndCase(t *testing.T) {
	assert.Equal(t, "select * from t where x = 1", normalizeQuery("  SELECT   *\nFROM t\tWHERE x = 1  "))
}

func TestGenerateCacheKeyDistinguishesParams(t *testing.T) {
	qc := NewQueryCache(DefaultQueryCacheConfig(), zerolog.Nop())
	k1 := qc.generateCacheKey("SELECT * FROM t WHERE id = ?", []interface{}{1})
	k2 := qc.generateCacheKey("SELECT * FROM t WHERE id = ?", []interface{}{2})
	k3 := qc.generateCacheKey("SELECT * FROM t WHERE id = ?", []interface{}{1})

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, k3)
}
