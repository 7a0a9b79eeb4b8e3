// Package payloads is the durable on-disk archive of raw webhook payloads.
//
// Every post-call payload is persisted before any processing so that crashes,
// queue overflow, and failed extractions can be replayed. Layout:
//
//	<root>/payloads/<conversation_id>/
//	  <conversation_id>_transcription.json
//	  <conversation_id>_audio.bin
//	  <conversation_id>_failure.json
//	  <conversation_id>_extraction_state.json
package payloads

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Extraction lifecycle recorded in the state file. Deferred marks payloads
// that arrived while the job queue was full; the recovery sweep picks them
// up later.
const (
	StateQueued   = "queued"
	StateDeferred = "deferred"
	StateRunning  = "running"
	StateFailed   = "failed"
	StateDone     = "completed"
)

// ErrNotFound is returned when a conversation has no archived payload.
var ErrNotFound = errors.New("payloads: not found")

// ExtractionState is the per-conversation extraction status file.
type ExtractionState struct {
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store archives raw payloads under a root directory.
type Store struct {
	root string
}

// NewStore creates the payload store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("payload root is required")
	}
	root := filepath.Join(dir, "payloads")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create payload root: %w", err)
	}
	return &Store{root: root}, nil
}

// ArchiveTranscription persists the raw transcription payload.
func (s *Store) ArchiveTranscription(conversationID string, raw []byte) error {
	return s.write(conversationID, "_transcription.json", raw)
}

// ReadTranscription returns the archived transcription payload.
func (s *Store) ReadTranscription(conversationID string) ([]byte, error) {
	return s.read(conversationID, "_transcription.json")
}

// ArchiveAudio persists decoded call audio.
func (s *Store) ArchiveAudio(conversationID string, decoded []byte) error {
	return s.write(conversationID, "_audio.bin", decoded)
}

// ArchiveFailure persists the raw failure payload.
func (s *Store) ArchiveFailure(conversationID string, raw []byte) error {
	return s.write(conversationID, "_failure.json", raw)
}

// WriteState replaces the extraction state file atomically.
func (s *Store) WriteState(conversationID string, state ExtractionState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode extraction state: %w", err)
	}
	return s.write(conversationID, "_extraction_state.json", data)
}

// ReadState loads the extraction state file.
func (s *Store) ReadState(conversationID string) (ExtractionState, error) {
	var state ExtractionState
	data, err := s.read(conversationID, "_extraction_state.json")
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode extraction state: %w", err)
	}
	return state, nil
}

// Recovery selects which unfinished states Pending returns. The zero value
// matches a cold start: deferred, queued and every running state count as
// interrupted, while failed stays parked for the manual sweep.
type Recovery struct {
	// IncludeFailed adds payloads whose job exhausted its retry budget.
	// Only the operator-driven sweep sets this; re-enqueuing failed jobs
	// automatically would retry them forever.
	IncludeFailed bool

	// StaleRunning is the minimum age before a running state counts as
	// orphaned. Zero treats every running state as orphaned, which is only
	// safe before the worker pool has started.
	StaleRunning time.Duration
}

// Pending returns conversation ids whose extraction never completed, as
// selected by rec. The recovery sweep re-enqueues them.
func (s *Store) Pending(rec Recovery) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan payload root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		state, err := s.ReadState(id)
		if errors.Is(err, ErrNotFound) {
			// Archived transcription without a state file means the
			// process died between archive and enqueue.
			if _, terr := os.Stat(s.path(id, "_transcription.json")); terr == nil {
				ids = append(ids, id)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		switch state.Status {
		case StateDeferred, StateQueued:
			ids = append(ids, id)
		case StateRunning:
			if rec.StaleRunning <= 0 || time.Since(state.UpdatedAt) >= rec.StaleRunning {
				ids = append(ids, id)
			}
		case StateFailed:
			if rec.IncludeFailed {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Remove deletes all archived payloads for a conversation. Used by erasure.
func (s *Store) Remove(conversationID string) error {
	dir, err := s.dir(conversationID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *Store) write(conversationID, suffix string, data []byte) error {
	dir, err := s.dir(conversationID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}

	final := filepath.Join(dir, conversationID+suffix)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit payload: %w", err)
	}
	return nil
}

func (s *Store) read(conversationID, suffix string) ([]byte, error) {
	data, err := os.ReadFile(s.path(conversationID, suffix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func (s *Store) path(conversationID, suffix string) string {
	return filepath.Join(s.root, conversationID, conversationID+suffix)
}

// dir validates the conversation id before using it as a path element.
func (s *Store) dir(conversationID string) (string, error) {
	if conversationID == "" || strings.ContainsAny(conversationID, `/\`) ||
		strings.Contains(conversationID, "..") {
		return "", fmt.Errorf("invalid conversation id %q", conversationID)
	}
	return filepath.Join(s.root, conversationID), nil
}
