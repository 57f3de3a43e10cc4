package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TroutSoftware/litebackup"
	"github.com/stretchr/testify/require"
)

// seededPool opens a pool on a fresh database with n rows of 1K blobs.
func seededPool(t *testing.T, n int) *litebackup.Connections {
	t.Helper()
	pool, err := litebackup.OpenPool(filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	ctx := t.Context()
	require.NoError(t, pool.Exec(ctx, "create table items (id integer primary key, payload blob)").Err())
	require.NoError(t, pool.Exec(ctx, `with recursive n(i) as (select 1 union all select i+1 from n where i < ?)
		insert into items (id, payload) select i, randomblob(1024) from n`, n).Err())
	return pool
}

func countItems(t *testing.T, name string) int {
	t.Helper()
	db, err := litebackup.ReadOnly(name)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.Exec(t.Context(), "select count(*) from items").ScanOne(&count))
	return count
}

// memStore keeps saved snapshots in memory.
type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (m *memStore) Save(ctx context.Context, localPath, name string) error {
	if m.err != nil {
		return m.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[name] = data
	return nil
}

func (m *memStore) Close() error { return nil }

func TestTakeLocal(t *testing.T) {
	pool := seededPool(t, 200)

	root := t.TempDir()
	store, err := NewLocalStore(LocalConfig{RootDir: root})
	require.NoError(t, err)
	defer store.Close()

	staging := t.TempDir()
	var steps int
	s := Snapshotter{
		Pool:    pool,
		Store:   store,
		Run:     litebackup.RunOptions{PagesPerStep: 16, Progress: func(litebackup.Progress) { steps++ }},
		Verify:  true,
		TempDir: staging,
	}

	snap, err := s.Take(t.Context())
	require.NoError(t, err)
	require.Greater(t, steps, 1, "progress callback must be called at every step")
	require.Positive(t, snap.Pages)
	require.Positive(t, snap.Size)

	saved := filepath.Join(root, filepath.FromSlash(snap.Name))
	st, err := os.Stat(saved)
	require.NoError(t, err)
	require.Equal(t, snap.Size, st.Size())
	require.Equal(t, 200, countItems(t, saved))

	// standalone rollback journal database: file format versions are both 1
	header := make([]byte, 20)
	fh, err := os.Open(saved)
	require.NoError(t, err)
	defer fh.Close()
	_, err = fh.Read(header)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1}, header[18:20])

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	require.Empty(t, left, "staging files must be removed")
}

func TestTakeNaming(t *testing.T) {
	pool := seededPool(t, 10)
	store := new(memStore)

	s := Snapshotter{
		Pool:    pool,
		Store:   store,
		Prefix:  "nightly",
		TempDir: t.TempDir(),
		now:     func() time.Time { return time.Date(2026, 1, 2, 4, 4, 5, 0, time.FixedZone("CET", 3600)) },
	}

	first, err := s.Take(t.Context())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first.Name, "nightly/20260102T030405Z-"), first.Name)
	require.True(t, strings.HasSuffix(first.Name, ".db"), first.Name)
	require.Equal(t, time.UTC, first.Taken.Location())

	second, err := s.Take(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, first.Name, second.Name, "snapshots taken in the same second must not collide")
	require.Len(t, store.files, 2)
}

func TestTakeInvalid(t *testing.T) {
	_, err := (&Snapshotter{Store: new(memStore)}).Take(t.Context())
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = (&Snapshotter{Pool: seededPool(t, 1)}).Take(t.Context())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTakeSaveFailure(t *testing.T) {
	pool := seededPool(t, 10)
	failure := errors.New("disk on fire")
	staging := t.TempDir()

	s := Snapshotter{Pool: pool, Store: &memStore{err: failure}, TempDir: staging}
	_, err := s.Take(t.Context())
	require.ErrorIs(t, err, failure)

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestTakeCanceled(t *testing.T) {
	pool := seededPool(t, 100)
	ctx, cancel := context.WithCancel(t.Context())

	s := Snapshotter{
		Pool:    pool,
		Store:   new(memStore),
		TempDir: t.TempDir(),
		Run: litebackup.RunOptions{
			PagesPerStep: 1,
			Progress:     func(litebackup.Progress) { cancel() },
		},
	}
	_, err := s.Take(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
