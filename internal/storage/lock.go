package storage

import (
	"context"
	"sync"
)

// CollectionLocks hands out per-(user, collection) reader/writer locks with
// context-aware acquisition. Both concrete backends embed one so that batch
// reads see a consistent snapshot while a writer is applying a batch.
//
// The zero value is not usable; call NewCollectionLocks.
type CollectionLocks struct {
	mu    sync.Mutex
	locks map[collectionKey]*rwLock
}

type collectionKey struct {
	userID     uint64
	collection string
}

// NewCollectionLocks returns an initialized lock table.
func NewCollectionLocks() *CollectionLocks {
	return &CollectionLocks{locks: make(map[collectionKey]*rwLock)}
}

func (c *CollectionLocks) get(userID uint64, collection string) *rwLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := collectionKey{userID: userID, collection: collection}
	l, ok := c.locks[key]
	if !ok {
		l = newRWLock()
		c.locks[key] = l
	}
	return l
}

// LockWrite acquires the exclusive lock, returning ErrConflict if ctx expires
// first.
func (c *CollectionLocks) LockWrite(ctx context.Context, userID uint64, collection string) (UnlockFunc, error) {
	l := c.get(userID, collection)
	if err := l.lockWrite(ctx); err != nil {
		return nil, err
	}
	return l.unlockWrite, nil
}

// LockRead acquires a shared lock, returning ErrConflict if ctx expires first.
func (c *CollectionLocks) LockRead(ctx context.Context, userID uint64, collection string) (UnlockFunc, error) {
	l := c.get(userID, collection)
	if err := l.lockRead(ctx); err != nil {
		return nil, err
	}
	return l.unlockRead, nil
}

// rwLock is a reader/writer lock whose acquisition can be abandoned via
// context. The stdlib RWMutex cannot be interrupted, and nothing in the
// dependency set offers a cancellable variant, so this uses the classic
// lightswitch construction over two single-token channels.
type rwLock struct {
	write   chan struct{} // held by the writer or the reader group
	gate    chan struct{} // serializes reader entry/exit
	readers int
}

func newRWLock() *rwLock {
	return &rwLock{
		write: make(chan struct{}, 1),
		gate:  make(chan struct{}, 1),
	}
}

func (l *rwLock) lockWrite(ctx context.Context) error {
	select {
	case l.write <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrConflict
	}
}

func (l *rwLock) unlockWrite() {
	<-l.write
}

func (l *rwLock) lockRead(ctx context.Context) error {
	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		return ErrConflict
	}
	if l.readers == 0 {
		// First reader takes the write token on behalf of the group.
		select {
		case l.write <- struct{}{}:
		case <-ctx.Done():
			<-l.gate
			return ErrConflict
		}
	}
	l.readers++
	<-l.gate
	return nil
}

func (l *rwLock) unlockRead() {
	l.gate <- struct{}{}
	l.readers--
	if l.readers == 0 {
		<-l.write
	}
	<-l.gate
}
