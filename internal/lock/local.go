package lock

import (
	"context"
	"sync"
)

// LocalLocker is an in-process keyed mutex. Entries are reference counted
// and dropped when the last holder or waiter leaves.
type LocalLocker struct {
	policy Policy

	mu   sync.Mutex
	keys map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(policy Policy) *LocalLocker {
	return &LocalLocker{policy: policy, keys: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	s := l.join(key)

	if l.policy == PolicyReject {
		select {
		case s.ch <- struct{}{}:
		default:
			l.leave(key, s)
			return nil, busy(key)
		}
	} else {
		select {
		case s.ch <- struct{}{}:
		case <-ctx.Done():
			l.leave(key, s)
			return nil, canceled(ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.leave(key, s)
		})
	}, nil
}

func (l *LocalLocker) join(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.keys[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.keys[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) leave(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.keys, key)
	}
}

// held reports the number of keys with a holder or waiter.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
