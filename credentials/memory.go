package credentials

import (
	"context"
	"sync"
)

// MemoryStore holds the credential in process memory. Writes notify watchers.
type MemoryStore struct {
	mu       sync.RWMutex
	cred     Credential
	loadErr  error
	watchers map[chan struct{}]struct{}
	loads    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{watchers: make(map[chan struct{}]struct{})}
}

func (s *MemoryStore) Load(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return Credential{}, s.loadErr
	}
	return s.cred, nil
}

func (s *MemoryStore) Save(ctx context.Context, c Credential) error {
	s.mu.Lock()
	s.cred = c
	s.loadErr = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Save(ctx, Credential{})
}

// FailLoads makes subsequent Load calls return err until the next Save.
func (s *MemoryStore) FailLoads(err error) {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
	s.notify()
}

// Loads returns how many times Load has been called.
func (s *MemoryStore) Loads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	out := make(chan struct{})
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *MemoryStore) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
