package locking

import (
	"context"
	"sync"
)

type localLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker returns a locker that only excludes goroutines within this process
func NewLocalLocker() Locker {
	return &localLocker{locks: map[string]*sync.Mutex{}}
}

func (l *localLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false, nil
	}

	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}

func (l *localLocker) Close() error {
	return nil
}
