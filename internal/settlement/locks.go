package settlement

import "sync"

// keyedMutex serializes work per order id in-process. Entries are refcounted
// so the map does not grow with every order ever seen.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{m: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.m[id]
	if !ok {
		e = &lockEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}
