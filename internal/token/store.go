package token

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

const (
	DefaultSetupTTL  = 10 * time.Minute
	DefaultInviteTTL = 7 * 24 * time.Hour
)

// Payload is the small key/value map a token refers to.
type Payload map[string]any

// String returns the value under key when it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

type entry struct {
	payload   Payload
	expiresAt time.Time
}

// Store is the in-process token table. All operations are safe for
// concurrent use and each one first sweeps out expired entries.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Create mints a token of kind that refers to payload until ttl elapses.
// A ttl of zero expires the token at its creation instant.
func (s *Store) Create(kind Kind, payload Payload, ttl time.Duration) (string, time.Time, error) {
	if ttl < 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must not be negative")
	}
	tok, err := GenerateToken(kind)
	if err != nil {
		return "", time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	expiresAt := now.Add(ttl)
	s.entries[tok] = entry{payload: maps.Clone(payload), expiresAt: expiresAt}
	return tok, expiresAt, nil
}

// Peek returns a copy of the token's payload without consuming it.
func (s *Store) Peek(token string) (Payload, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(token)
	if err != nil {
		return nil, time.Time{}, err
	}
	return maps.Clone(e.payload), e.expiresAt, nil
}

// Claim returns the payload and removes the token. Of any number of racing
// claims on one token exactly one succeeds.
func (s *Store) Claim(token string) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(token)
	if err != nil {
		return nil, err
	}
	delete(s.entries, token)
	return e.payload, nil
}

// Len reports the number of live tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.entries)
}

// lookupLocked resolves token, reporting an expired token as such once
// before the sweep forgets it.
func (s *Store) lookupLocked(token string) (entry, error) {
	now := s.now()
	e, ok := s.entries[token]
	s.sweepLocked(now)
	if !ok {
		return entry{}, ErrTokenNotFound
	}
	if now.After(e.expiresAt) {
		return entry{}, ErrTokenExpired
	}
	return e, nil
}

func (s *Store) sweepLocked(now time.Time) {
	for tok, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, tok)
		}
	}
}
