// Package replystore provides persistence adapters for the in-flight reply
// record: a JSON file store and a SQLite-backed store. Both survive process
// restarts and hold at most one record.
package replystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"replyflow/pkg/reply"
)

const pendingFilename = "reply_pending.json"

// Store manages the persisted reply record as a JSON file.
type Store struct {
	baseDir string
}

// NewStore creates a new file-backed reply store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", baseDir, err)
	}

	return &Store{
		baseDir: baseDir,
	}, nil
}

// Read returns the stored record, or nil if none exists.
func (s *Store) Read() (*reply.PersistedReply, error) {
	filename := s.recordFilename()

	fileData, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reply record: %w", err)
	}

	var rec reply.PersistedReply
	if err := json.Unmarshal(fileData, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply record: %w", err)
	}

	return &rec, nil
}

// Write stores the record, replacing any previous one.
func (s *Store) Write(rec *reply.PersistedReply) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.TargetID == "" {
		return fmt.Errorf("record target id cannot be empty")
	}

	jsonData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reply record: %w", err)
	}

	if err := os.WriteFile(s.recordFilename(), jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write reply record: %w", err)
	}

	return nil
}

// Clear removes the stored record.
func (s *Store) Clear() error {
	err := os.Remove(s.recordFilename())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete reply record: %w", err)
	}
	return nil
}

func (s *Store) recordFilename() string {
	return filepath.Join(s.baseDir, pendingFilename)
}
