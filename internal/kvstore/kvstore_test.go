package kvstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/conversion-relay/internal/sqliteutil"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "a", "2"))
	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	set, err := s.SetIfAbsent(ctx, "b", "first")
	require.NoError(t, err)
	assert.True(t, set)
	set, err = s.SetIfAbsent(ctx, "b", "second")
	require.NoError(t, err)
	assert.False(t, set)
	v, _, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func exerciseRace(t *testing.T, s Store, workers int) {
	t.Helper()
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetIfAbsent(ctx, FlagKey("42", "confirmed"), "ts")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
	exerciseRace(t, NewMemoryStore(), 32)
}

func TestSQLiteStore(t *testing.T) {
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteStore(db)
	require.NoError(t, s.Init(context.Background()))
	exerciseStore(t, s)
	exerciseRace(t, s, 8)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisOpts{Addr: mr.Addr(), Namespace: "test"})
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	exerciseStore(t, s)
	exerciseRace(t, s, 16)
	assert.True(t, mr.Exists("test:"+FlagKey("42", "confirmed")))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	_, _ = s.pool.Exec(ctx, `DELETE FROM tracked_events`)

	exerciseStore(t, s)
	exerciseRace(t, s, 8)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "entity:1001:flag:confirmed", FlagKey("1001", "confirmed"))
	assert.Equal(t, "entity:1001:pending", EntityKey("1001", "pending"))
	assert.Equal(t, "user:7:pending", UserKey("7", "pending"))
}

// brokenResultDriver accepts every statement but cannot report its effect.
type brokenResultDriver struct{}

func (brokenResultDriver) Open(string) (driver.Conn, error) { return brokenResultConn{}, nil }

type brokenResultConn struct{}

func (brokenResultConn) Prepare(string) (driver.Stmt, error) { return brokenResultStmt{}, nil }
func (brokenResultConn) Close() error                        { return nil }
func (brokenResultConn) Begin() (driver.Tx, error)           { return nil, errors.New("no transactions") }

type brokenResultStmt struct{}

func (brokenResultStmt) Close() error  { return nil }
func (brokenResultStmt) NumInput() int { return -1 }
func (brokenResultStmt) Exec([]driver.Value) (driver.Result, error) {
	return brokenResult{}, nil
}
func (brokenResultStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("no rows")
}

type brokenResult struct{}

func (brokenResult) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (brokenResult) RowsAffected() (int64, error) {
	return 0, errors.New("rows affected unavailable")
}

func init() {
	sql.Register("kvstore-broken-result", brokenResultDriver{})
}

func TestSQLiteSetIfAbsentReportsResultError(t *testing.T) {
	db, err := sql.Open("kvstore-broken-result", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	set, err := NewSQLiteStore(db).SetIfAbsent(context.Background(), FlagKey("7", "confirmed"), "ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows affected unavailable")
	assert.False(t, set)
}
