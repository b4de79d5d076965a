// Package auth persists game-server credentials and keeps the access token fresh.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Tokens is the persisted credential pair
type Tokens struct {
	UserID       string `json:"user_id,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// FileStore keeps tokens in a JSON file readable only by the owner.
// An empty path keeps tokens in memory only.
type FileStore struct {
	mu     sync.Mutex
	path   string
	tokens *Tokens
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the stored tokens, or nil when none have been saved
func (s *FileStore) Load() (*Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens != nil {
		t := *s.tokens
		return &t, nil
	}
	if s.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	s.tokens = &t
	out := t
	return &out, nil
}

// Save replaces the stored tokens
func (s *FileStore) Save(t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode tokens: %w", err)
		}
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create token directory: %w", err)
			}
		}
		if err := os.WriteFile(s.path, data, 0o600); err != nil {
			return fmt.Errorf("failed to write token file: %w", err)
		}
	}

	s.tokens = &t
	return nil
}

// Clear removes the stored tokens
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = nil
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
