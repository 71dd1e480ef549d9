package cqlwire

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/marshal"
)

// warnLogger counts Warn calls and keeps their key/value pairs.
type warnLogger struct {
	logging.NopLogger

	mu    sync.Mutex
	warns [][]any
}

func (l *warnLogger) Warn(_ string, kv ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, kv)
	l.mu.Unlock()
}

func (l *warnLogger) warnSizes() []any {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]any, 0, len(l.warns))
	for _, kv := range l.warns {
		out = append(out, kv[1])
	}

	return out
}

func cachedStatement(i int) (preparedKey, *PreparedStatement) {
	cql := fmt.Sprintf("SELECT * FROM app.users WHERE id = %d", i)
	res := &frame.PreparedResult{ID: []byte(fmt.Sprintf("id-%d", i))}

	return newPreparedKey("app", cql), newPreparedStatement(cql, "app", res, marshal.NewRegistry())
}

func TestPreparedCacheWarnsAtEachThresholdMultiple(t *testing.T) {
	logger := &warnLogger{}
	m := newCountingMetrics()
	c := newPreparedCache(10, logger, m)

	for i := range 25 {
		key, p := cachedStatement(i)
		c.put(key, p)
	}

	require.Equal(t, []any{11, 21}, logger.warnSizes())
	require.Equal(t, 25, c.len())
	require.Len(t, c.all(), 25)
	require.Equal(t, 25, m.snapshot().cacheSize)

	for i := range 25 {
		key, _ := cachedStatement(i)
		p, ok := c.get(key)
		require.True(t, ok, "statement %d evicted", i)
		byID, ok := c.byPreparedID([]byte(fmt.Sprintf("id-%d", i)))
		require.True(t, ok)
		require.Same(t, p, byID)
	}
}

func TestPreparedCacheWarningDisabled(t *testing.T) {
	logger := &warnLogger{}
	c := newPreparedCache(0, logger, newCountingMetrics())

	for i := range 5 {
		key, p := cachedStatement(i)
		c.put(key, p)
	}

	require.Empty(t, logger.warnSizes())
	require.Equal(t, 5, c.len())
}

func TestPreparedCacheSnapshotIsolation(t *testing.T) {
	c := newPreparedCache(0, &warnLogger{}, newCountingMetrics())
	key, p := cachedStatement(1)
	c.put(key, p)

	before := c.snap.Load()
	key2, p2 := cachedStatement(2)
	c.put(key2, p2)

	require.Len(t, before.entries, 1, "published snapshots are never mutated")
	require.Equal(t, 2, c.len())

	c.reindex([]byte("id-1"), p)
	_, ok := c.byPreparedID([]byte("id-1"))
	require.True(t, ok)
}
