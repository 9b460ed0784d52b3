package engine

import (
	"context"
	"sync"
)

// KeyLock serializes work per key while letting distinct keys run in parallel.
type KeyLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyLock() *KeyLock {
	return &KeyLock{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done and returns the release func.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *KeyLock) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
