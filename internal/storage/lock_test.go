package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockWriteExcludesWriters(t *testing.T) {
	locks := NewCollectionLocks()
	ctx := context.Background()

	unlock, err := locks.LockWrite(ctx, 1, "bookmarks")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locks.LockWrite(shortCtx, 1, "bookmarks")
	assert.ErrorIs(t, err, ErrConflict)

	unlock()

	unlock2, err := locks.LockWrite(ctx, 1, "bookmarks")
	require.NoError(t, err)
	unlock2()
}

func TestLockReadersShareAndBlockWriters(t *testing.T) {
	locks := NewCollectionLocks()
	ctx := context.Background()

	unlockA, err := locks.LockRead(ctx, 1, "history")
	require.NoError(t, err)
	unlockB, err := locks.LockRead(ctx, 1, "history")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locks.LockWrite(shortCtx, 1, "history")
	assert.ErrorIs(t, err, ErrConflict)

	unlockA()
	unlockB()

	unlockW, err := locks.LockWrite(ctx, 1, "history")
	require.NoError(t, err)
	unlockW()
}

func TestLockWriterBlocksReaders(t *testing.T) {
	locks := NewCollectionLocks()
	ctx := context.Background()

	unlockW, err := locks.LockWrite(ctx, 1, "tabs")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locks.LockRead(shortCtx, 1, "tabs")
	assert.ErrorIs(t, err, ErrConflict)

	unlockW()

	unlockR, err := locks.LockRead(ctx, 1, "tabs")
	require.NoError(t, err)
	unlockR()
}

func TestLocksAreScopedPerUserAndCollection(t *testing.T) {
	locks := NewCollectionLocks()
	ctx := context.Background()

	unlock1, err := locks.LockWrite(ctx, 1, "bookmarks")
	require.NoError(t, err)
	defer unlock1()

	// Different user, same collection.
	unlock2, err := locks.LockWrite(ctx, 2, "bookmarks")
	require.NoError(t, err)
	defer unlock2()

	// Same user, different collection.
	unlock3, err := locks.LockWrite(ctx, 1, "history")
	require.NoError(t, err)
	defer unlock3()
}

func TestLockContention(t *testing.T) {
	locks := NewCollectionLocks()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.LockWrite(ctx, 7, "passwords")
			if err != nil {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestReadLockReleasedAfterCancelledWriteAttempt(t *testing.T) {
	locks := NewCollectionLocks()
	ctx := context.Background()

	unlockR, err := locks.LockRead(ctx, 1, "forms")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.LockWrite(shortCtx, 1, "forms")
	require.ErrorIs(t, err, ErrConflict)

	// A failed writer must not wedge subsequent readers.
	unlockR2, err := locks.LockRead(ctx, 1, "forms")
	require.NoError(t, err)
	unlockR2()
	unlockR()
}
