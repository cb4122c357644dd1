package registry

import "sync"

// keyLock hands out one mutex per key. Mutexes are reference counted and
// dropped once nobody holds or waits for them.
type keyLock struct {
	mtx   sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*refMutex)}
}

// lock blocks until key is free and returns the unlock function.
func (k *keyLock) lock(key string) func() {
	k.mtx.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mtx.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		k.mtx.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mtx.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	return len(k.locks)
}
