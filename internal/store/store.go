// Package store is the scheduler's persistence port: conversation-scoped
// locking plus the ordered and filtered queries the commands rely on.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Store wraps the database with per-conversation mutual exclusion. Every
// state-mutating scheduler command runs inside one WithLock call, making
// commands effectively single-threaded per conversation while leaving other
// conversations untouched.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store over an open GORM connection.
func New(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// DB exposes the underlying connection for read-only queries that need no
// command-level serialization.
func (s *Store) DB() *gorm.DB { return s.db }

// lockFor returns the mutex for a conversation, creating it on first use.
// Locks are never evicted; a conversation costs one mutex for the process
// lifetime.
func (s *Store) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// WithLock acquires the conversation lock, then runs fn inside one
// transaction. An error from fn rolls the transaction back, so a failed
// command leaves no partial writes.
func (s *Store) WithLock(conversationID string, fn func(tx *gorm.DB) error) error {
	if conversationID == "" {
		return fmt.Errorf("store: conversation id is required")
	}
	l := s.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()
	return s.db.Transaction(fn)
}

// GenerateID creates a unique record ID in <prefix>-xxxxxxxxxx format
// (10-char hex).
func GenerateID(prefix string) (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("store: generate ID: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}
