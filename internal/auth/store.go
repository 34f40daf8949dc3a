// Package auth holds the credentials accepted by the inbound SMTP server.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnknownUser is returned when removing a user that does not exist.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInvalidCredentials is returned by Verify for any mismatch,
	// including unknown usernames.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Store is an in-memory set of username/secret pairs. Secrets are kept as
// bcrypt hashes. Users do not survive a restart.
type Store struct {
	cost int

	mu    sync.RWMutex
	users map[string][]byte

	dummyOnce sync.Once
	dummy     []byte
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		cost:  bcrypt.DefaultCost,
		users: make(map[string][]byte),
	}
}

// AddUser adds or replaces a user.
func (s *Store) AddUser(username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	return nil
}

// RemoveUser deletes a user or returns ErrUnknownUser.
func (s *Store) RemoveUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return ErrUnknownUser
	}
	delete(s.users, username)
	return nil
}

// ListUsers returns the usernames in sorted order.
func (s *Store) ListUsers() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Verify checks a username/password pair. Unknown users are compared
// against a dummy hash so both failure paths cost the same.
func (s *Store) Verify(username, password string) error {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(password))
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Store) dummyHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummy, _ = bcrypt.GenerateFromPassword([]byte("mailgate-dummy-secret"), s.cost)
	})
	return s.dummy
}
