// Package locks provides per-key mutual exclusion for ingestion and
// reporting runs: at most one in-flight run per repository (reporting) or per
// (repository, stream) pair (ingestion).
package locks

import "sync"

// KeyedMutex hands out at most one token per key. Acquire is non-blocking:
// overlapping runs are skipped, not queued.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: map[string]struct{}{}}
}

// TryAcquire takes the lock for key, reporting whether it was free.
func (k *KeyedMutex) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, taken := k.held[key]; taken {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Release frees the lock for key. Releasing an unheld key is a no-op.
func (k *KeyedMutex) Release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}
