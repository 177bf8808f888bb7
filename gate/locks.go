package gate

import "sync"

// keyedLocks serializes message handling per session key. Cross-session
// work never contends; lock entries live for the process lifetime, which
// is bounded by the number of active conversations.
type keyedLocks struct {
	locks sync.Map // string -> *sync.Mutex
}

func (k *keyedLocks) lock(key string) *sync.Mutex {
	actual, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu
}
