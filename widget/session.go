package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Session is the customer identity remembered between visits
type Session struct {
	Email          string `json:"chatEmail"`
	Name           string `json:"chatName"`
	ConversationID string `json:"chatConversationId"`
}

// SessionStore persists the Session on the customer's device
type SessionStore interface {
	Load() (Session, error)
	Save(Session) error
	Clear() error
}

// MemorySessionStore keeps the session for the life of the process
type MemorySessionStore struct {
	mu      sync.Mutex
	session Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (s *MemorySessionStore) Load() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *MemorySessionStore) Save(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	return nil
}

func (s *MemorySessionStore) Clear() error {
	return s.Save(Session{})
}

// FileSessionStore keeps the session in a JSON file
type FileSessionStore struct {
	path string
	mu   sync.Mutex
}

// NewFileSessionStore stores the session at path. The file is created on first save.
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

// Load returns an empty session when nothing was saved yet
func (s *FileSessionStore) Load() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read chat session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("failed to decode chat session: %w", err)
	}
	return session, nil
}

// Save writes the session through a temporary file so a crash never leaves half a file
func (s *FileSessionStore) Save(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode chat session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".chat-session-*")
	if err != nil {
		return fmt.Errorf("failed to write chat session: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write chat session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write chat session: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear chat session: %w", err)
	}
	return nil
}
