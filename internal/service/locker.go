package service

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"banking-ledger/internal/errors"
)

// AccountLocker serializes balance mutations per account id. Each account has
// its own one-slot semaphore, so unrelated accounts never contend. Entries are
// never evicted.
type AccountLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func NewAccountLocker() *AccountLocker {
	return &AccountLocker{locks: make(map[uuid.UUID]chan struct{})}
}

func (l *AccountLocker) semaphore(id uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[id] = sem
	}
	return sem
}

// Lock acquires every id in ascending order and returns the func that releases
// them. Waiting stops with ErrRequestCancelled when ctx is done; locks taken so
// far are released first.
func (l *AccountLocker) Lock(ctx context.Context, ids ...uuid.UUID) (func(), error) {
	ordered := orderedIDs(ids)

	acquired := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-acquired[i]
		}
		acquired = acquired[:0]
	}

	for _, id := range ordered {
		sem := l.semaphore(id)
		select {
		case sem <- struct{}{}:
			acquired = append(acquired, sem)
		case <-ctx.Done():
			release()
			return nil, errors.ErrRequestCancelled
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func orderedIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	ordered := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})
	return ordered
}
