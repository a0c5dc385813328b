// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/authflow/storage"
)

// Run exercises a backend created fresh by newBackend for every subtest.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()
	ctx := context.Background()
	kind := storage.KindAuthorizationCode

	entry := func(id, hash string) storage.Entry {
		return storage.Entry{
			ID:        id,
			TokenHash: hash,
			ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			Data:      []byte(`{"id":"` + id + `"}`),
		}
	}

	t.Run("put and get", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))

		byToken, err := b.GetByToken(ctx, kind, "hash-a")
		require.NoError(t, err)
		require.Equal(t, "a", byToken.ID)
		require.JSONEq(t, `{"id":"a"}`, string(byToken.Data))

		byID, err := b.GetByID(ctx, kind, "a")
		require.NoError(t, err)
		require.Equal(t, "hash-a", byID.TokenHash)

		_, err = b.GetByToken(ctx, storage.KindRefreshToken, "hash-a")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("put replaces token index", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "old")))
		require.NoError(t, b.Put(ctx, kind, entry("a", "new")))

		_, err := b.GetByToken(ctx, kind, "old")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.GetByToken(ctx, kind, "new")
		require.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))
		require.NoError(t, b.Delete(ctx, kind, "a"))
		require.NoError(t, b.Delete(ctx, kind, "a"))

		_, err := b.GetByID(ctx, kind, "a")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.GetByToken(ctx, kind, "hash-a")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("take is single use", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))

		taken, err := b.Take(ctx, kind, "hash-a")
		require.NoError(t, err)
		require.Equal(t, "a", taken.ID)

		_, err = b.Take(ctx, kind, "hash-a")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.GetByID(ctx, kind, "a")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))

		const racers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.Take(ctx, kind, "hash-a"); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})

	t.Run("concurrent take inside tx has one winner", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))

		const racers = 16
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			losses int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := b.Tx(ctx, func(tx storage.Backend) error {
					_, err := tx.Take(ctx, kind, "hash-a")
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConflict):
					losses++
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
		require.Equal(t, racers-1, losses)
		_, err := b.GetByToken(ctx, kind, "hash-a")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		b := newBackend(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, b.Put(ctx, kind, entry(id, "hash-"+id)))
		}
		all, err := b.List(ctx, kind, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		page, err := b.List(ctx, kind, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
	})

	t.Run("delete expired", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))
		require.NoError(t, b.Put(ctx, kind, entry("b", "hash-b")))

		// everything expiring within two hours counts as expired
		n, err := b.DeleteExpired(ctx, kind, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		_, err = b.GetByID(ctx, kind, "a")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("tx commits", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("old", "hash-old")))

		err := b.Tx(ctx, func(tx storage.Backend) error {
			if _, err := tx.Take(ctx, kind, "hash-old"); err != nil {
				return err
			}
			return tx.Put(ctx, kind, entry("new", "hash-new"))
		})
		require.NoError(t, err)

		_, err = b.GetByToken(ctx, kind, "hash-old")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.GetByToken(ctx, kind, "hash-new")
		require.NoError(t, err)
	})

	t.Run("tx discards writes on error", func(t *testing.T) {
		b := newBackend(t)
		boom := errors.New("boom")

		err := b.Tx(ctx, func(tx storage.Backend) error {
			if err := tx.Put(ctx, kind, entry("new", "hash-new")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = b.GetByToken(ctx, kind, "hash-new")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("tx restores taken entries on error", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, kind, entry("a", "hash-a")))
		boom := errors.New("boom")

		err := b.Tx(ctx, func(tx storage.Backend) error {
			if _, err := tx.Take(ctx, kind, "hash-a"); err != nil {
				return err
			}
			if _, err := tx.Take(ctx, kind, "hash-a"); !errors.Is(err, storage.ErrNotFound) {
				return errors.New("second take inside the same tx succeeded")
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := b.Take(ctx, kind, "hash-a")
		require.NoError(t, err)
		require.Equal(t, "a", got.ID)
	})
}
