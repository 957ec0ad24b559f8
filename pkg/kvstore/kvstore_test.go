package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns each Store implementation under test.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mem := NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "absent")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("v1"), v)

			// Overwrite
			require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))
			v, _, _ = s.Get(ctx, "k")
			assert.Equal(t, []byte("v2"), v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting an absent key is not an error.
			require.NoError(t, s.Delete(ctx, "k"))
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "ephemeral", []byte("x"), 10*time.Millisecond))

			_, ok, err := s.Get(ctx, "ephemeral")
			require.NoError(t, err)
			assert.True(t, ok)

			time.Sleep(20 * time.Millisecond)
			_, ok, err = s.Get(ctx, "ephemeral")
			require.NoError(t, err)
			assert.False(t, ok, "expired entry must read as absent")
		})
	}
}

func TestCompareAndSet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Create-if-absent succeeds once.
			require.NoError(t, s.CompareAndSet(ctx, "nonce", nil, []byte("used"), 0))
			// Second mark fails without side effects — nonce idempotence.
			err := s.CompareAndSet(ctx, "nonce", nil, []byte("used-again"), 0)
			assert.ErrorIs(t, err, ErrCASConflict)
			v, _, _ := s.Get(ctx, "nonce")
			assert.Equal(t, []byte("used"), v)

			// Transition with matching expected value.
			require.NoError(t, s.Set(ctx, "task", []byte("pending"), 0))
			require.NoError(t, s.CompareAndSet(ctx, "task", []byte("pending"), []byte("processing"), 0))

			// Losing claimant observes a conflict.
			err = s.CompareAndSet(ctx, "task", []byte("pending"), []byte("processing"), 0)
			assert.ErrorIs(t, err, ErrCASConflict)

			// Expected-value CAS on an absent key conflicts.
			err = s.CompareAndSet(ctx, "missing", []byte("x"), []byte("y"), 0)
			assert.ErrorIs(t, err, ErrCASConflict)
		})
	}
}

func TestCASOnExpiredKeyActsAsAbsent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "gone", []byte("old"), 5*time.Millisecond))
			time.Sleep(15 * time.Millisecond)

			// Create-if-absent succeeds because the old entry expired.
			assert.NoError(t, s.CompareAndSet(ctx, "gone", nil, []byte("new"), 0))
		})
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "approval:b", []byte("1"), 0))
			require.NoError(t, s.Set(ctx, "approval:a", []byte("1"), 0))
			require.NoError(t, s.Set(ctx, "task:x", []byte("1"), 0))
			require.NoError(t, s.Set(ctx, "approval:expired", []byte("1"), 5*time.Millisecond))
			time.Sleep(15 * time.Millisecond)

			keys, err := s.List(ctx, "approval:")
			require.NoError(t, err)
			assert.Equal(t, []string{"approval:a", "approval:b"}, keys)
		})
	}
}

func TestSQLitePurgeExpired(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite("") // in-memory
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 5*time.Millisecond))
	require.NoError(t, s.Set(ctx, "b", []byte("1"), 0))
	time.Sleep(15 * time.Millisecond)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, _ := s.Get(ctx, "b")
	assert.True(t, ok)
}

func TestSQLiteRunPurgeSweepsOnCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := OpenSQLite("") // in-memory
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(ctx, "stale", []byte("1"), 5*time.Millisecond))
	go s.RunPurge(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		var n int
		err := s.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&n)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond, "the sweep removes the expired row from the table")
}

func TestClosedStore(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", nil, 0), ErrClosed)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "durable", []byte("yes"), 0))
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	v, ok, err := s2.Get(ctx, "durable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("yes"), v)
}
