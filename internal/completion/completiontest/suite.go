// Package completiontest holds behaviour checks shared by every completion.Store.
package completiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hannibal/internal/completion"
	"github.com/animus-labs/hannibal/internal/domain"
)

// Run exercises the completion.Store contract against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) completion.Store) {
	t.Helper()

	t.Run("absent pair is not complete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		done, err := store.IsComplete(ctx, "uniprot", "17.12")
		require.NoError(t, err)
		assert.False(t, done)

		_, err = store.Get(ctx, "uniprot", "17.12")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("mark then observe", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		at := time.Date(2017, time.December, 1, 10, 30, 0, 0, time.UTC)

		require.NoError(t, store.MarkComplete(ctx, domain.CompletionRecord{
			StageID:      "uniprot",
			Version:      "17.12",
			ParamsDigest: "abc",
			Worker:       "worker-1",
			CompletedAt:  at,
		}))

		done, err := store.IsComplete(ctx, "uniprot", "17.12")
		require.NoError(t, err)
		assert.True(t, done)

		got, err := store.Get(ctx, "uniprot", "17.12")
		require.NoError(t, err)
		assert.Equal(t, "uniprot", got.StageID)
		assert.Equal(t, domain.DataVersion("17.12"), got.Version)
		assert.Equal(t, "abc", got.ParamsDigest)
		assert.Equal(t, "worker-1", got.Worker)
		assert.True(t, at.Equal(got.CompletedAt), "completed_at %v != %v", got.CompletedAt, at)
	})

	t.Run("mark is idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first := domain.CompletionRecord{StageID: "efo", Version: "17.12", Worker: "first"}
		second := domain.CompletionRecord{StageID: "efo", Version: "17.12", Worker: "second"}
		require.NoError(t, store.MarkComplete(ctx, first))
		require.NoError(t, store.MarkComplete(ctx, second))

		got, err := store.Get(ctx, "efo", "17.12")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Worker)
	})

	t.Run("versions are independent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.MarkComplete(ctx, domain.CompletionRecord{StageID: "eco", Version: "17.12"}))

		done, err := store.IsComplete(ctx, "eco", "18.01")
		require.NoError(t, err)
		assert.False(t, done)

		done, err = store.IsComplete(ctx, "efo", "17.12")
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("concurrent marks", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- store.MarkComplete(ctx, domain.CompletionRecord{
					StageID: "geneData",
					Version: "17.12",
					Worker:  fmt.Sprintf("worker-%d", i),
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		done, err := store.IsComplete(ctx, "geneData", "17.12")
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("invalid record rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		assert.Error(t, store.MarkComplete(ctx, domain.CompletionRecord{Version: "17.12"}))
		assert.Error(t, store.MarkComplete(ctx, domain.CompletionRecord{StageID: "efo"}))
		assert.Error(t, store.MarkComplete(ctx, domain.CompletionRecord{StageID: " efo", Version: "17.12"}))
	})

	t.Run("hyphenated pairs are distinct keys", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.MarkComplete(ctx, domain.CompletionRecord{StageID: "gene-data", Version: "v1"}))

		done, err := store.IsComplete(ctx, "gene", "data-v1")
		require.NoError(t, err)
		assert.False(t, done)
		_, err = store.Get(ctx, "gene", "data-v1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
