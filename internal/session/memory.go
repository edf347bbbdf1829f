package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used when Redis is unavailable.
// Sessions survive for the life of the process only, so the resume path
// degrades to "no resume across restarts" instead of failing checkout.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session // userID -> vehicleID -> session
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]Session),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID, vehicleID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byVehicle, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	sess, ok := byVehicle[vehicleID]
	if !ok {
		return nil, false
	}
	return &sess, true
}

func (s *MemoryStore) Put(ctx context.Context, userID, vehicleID string, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(userID, vehicleID, sess)
	return nil
}

func (s *MemoryStore) PutCAS(ctx context.Context, userID, vehicleID string, sess *Session, ownerToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byVehicle, ok := s.sessions[userID]; ok {
		if existing, ok := byVehicle[vehicleID]; ok {
			if existing.OwnerToken != "" && existing.OwnerToken != ownerToken {
				return false, nil
			}
		}
	}

	s.put(userID, vehicleID, sess)
	return true, nil
}

func (s *MemoryStore) put(userID, vehicleID string, sess *Session) {
	byVehicle, ok := s.sessions[userID]
	if !ok {
		if sess == nil {
			return
		}
		byVehicle = make(map[string]Session)
		s.sessions[userID] = byVehicle
	}

	if sess == nil {
		delete(byVehicle, vehicleID)
		if len(byVehicle) == 0 {
			delete(s.sessions, userID)
		}
		return
	}
	byVehicle[vehicleID] = *sess
}
