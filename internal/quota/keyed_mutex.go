package quota

import "sync"

// keyedMutex serializes work per account ID so check-then-debit runs as one
// critical section even across separate store transactions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint64]*sync.Mutex)}
}

// Lock acquires the mutex for a key and returns its unlock function.
func (m *keyedMutex) Lock(key uint64) func() {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
