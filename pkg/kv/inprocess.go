package kv

import (
	"container/list"
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// entry is one key's value with its absolute expiry.
type entry struct {
	value  string
	expiry time.Time
}

// InProcessStore is the process-local Store and WorkQueue the engine uses
// when no Redis address is configured, giving up cross-instance safety.
// Nothing switches to it at runtime when the Redis-backed Store reports
// Unavailable; pkg/sublock keeps its own process-local fallback set for
// that case. Modeled on the teacher's pkg/cache TTL-map shape
// (patrickmn/go-cache) but hand-rolled here since it also has to satisfy
// the WorkQueue interface, which go-cache has no notion of.
type InProcessStore struct {
	clock clock.Clock

	mu   sync.Mutex
	data map[string]entry

	qmu        sync.Mutex
	ready      map[string]*list.List
	processing map[string]map[string]time.Time // queue -> handle -> reservedAt
}

func NewInProcessStore(clk clock.Clock) *InProcessStore {
	return &InProcessStore{
		clock:      clk,
		data:       map[string]entry{},
		ready:      map[string]*list.List{},
		processing: map[string]map[string]time.Time{},
	}
}

func (s *InProcessStore) Set(_ context.Context, key, value string, expiry time.Duration, ifAbsent bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if ifAbsent {
		if e, ok := s.data[key]; ok && e.expiry.After(now) {
			return false, nil
		}
	}
	s.data[key] = entry{value: value, expiry: now.Add(expiry)}
	return true, nil
}

func (s *InProcessStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || !e.expiry.After(s.clock.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *InProcessStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InProcessStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *InProcessStore) Enqueue(_ context.Context, queue string, payload []byte) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.ready[queue] == nil {
		s.ready[queue] = list.New()
	}
	s.ready[queue].PushBack(string(payload))
	return nil
}

// Reserve polls the ready list until timeout elapses; the in-process
// fallback trades the efficiency of Redis's blocking pop for simplicity,
// which is acceptable because this path only runs when the engine has
// already given up cross-instance guarantees.
func (s *InProcessStore) Reserve(ctx context.Context, queue string, timeout time.Duration) ([]byte, string, bool, error) {
	deadline := s.clock.Now().Add(timeout)
	for {
		if payload, handle, ok := s.tryReserve(queue); ok {
			return payload, handle, true, nil
		}
		if s.clock.Now().After(deadline) {
			return nil, "", false, nil
		}
		select {
		case <-ctx.Done():
			return nil, "", false, ctx.Err()
		case <-s.clock.After(10 * time.Millisecond):
		}
	}
}

func (s *InProcessStore) tryReserve(queue string) ([]byte, string, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	l := s.ready[queue]
	if l == nil || l.Len() == 0 {
		return nil, "", false
	}
	front := l.Front()
	l.Remove(front)
	handle := front.Value.(string)
	if s.processing[queue] == nil {
		s.processing[queue] = map[string]time.Time{}
	}
	s.processing[queue][handle] = s.clock.Now()
	return []byte(handle), handle, true
}

func (s *InProcessStore) Ack(_ context.Context, queue string, handle string) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	delete(s.processing[queue], handle)
	return nil
}

func (s *InProcessStore) Nack(_ context.Context, queue string, handle string) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	delete(s.processing[queue], handle)
	if s.ready[queue] == nil {
		s.ready[queue] = list.New()
	}
	s.ready[queue].PushBack(handle)
	return nil
}

func (s *InProcessStore) StalledHandles(_ context.Context, queue string, staleAfter time.Duration) ([]string, error) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	cutoff := s.clock.Now().Add(-staleAfter)
	var stalled []string
	for handle, reservedAt := range s.processing[queue] {
		if reservedAt.Before(cutoff) {
			stalled = append(stalled, handle)
		}
	}
	return stalled, nil
}
