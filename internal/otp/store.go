package otp

import (
	"context"
	"sync"
	"time"
)

// Store is the concurrency-safe lifecycle owner of session records. Update
// is an atomic read-modify-write: concurrent updates on the same key
// serialize their mutations, and a key deleted mid-update surfaces
// ErrSessionNotFound to the loser instead of resurrecting the record.
//
// SweepExpired removes every session past its expiry and returns the
// identifiers of the removed sessions so the caller can retire their
// throttle entries as well.
type Store interface {
	Put(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryStore keeps sessions in a mutex-guarded map. It is the default
// backend; state does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Put(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	// Copy so callers never mutate stored state outside Update.
	session := *stored
	return &session, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	session := *stored
	if err := mutate(&session); err != nil {
		return nil, err
	}

	s.sessions[id] = &session
	updated := session
	return &updated, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var identifiers []string
	for id, session := range s.sessions {
		if session.Expired(now) {
			identifiers = append(identifiers, session.Identifier)
			delete(s.sessions, id)
		}
	}

	return identifiers, nil
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
