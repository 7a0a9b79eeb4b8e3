// Package registry persists callers and conversation lifecycle state in a
// local SQLite database.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/recall/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS callers (
	id                 TEXT NOT NULL,
	organization_id    TEXT NOT NULL,
	first_seen         TIMESTAMP NOT NULL,
	last_seen          TIMESTAMP NOT NULL,
	conversation_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (organization_id, id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	organization_id  TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	caller_id        TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	ended_at         TIMESTAMP,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	transcript       TEXT,
	updated_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations (status);
CREATE INDEX IF NOT EXISTS idx_conversations_caller ON conversations (organization_id, caller_id);
`

// ErrNotFound is returned when a caller or conversation does not exist.
var ErrNotFound = errors.New("registry: not found")

// Store is the SQLite-backed registry.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the registry database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TouchCaller records a sighting of a caller, creating the row on first
// contact and bumping last_seen and the conversation counter otherwise.
// first_seen never moves.
func (s *Store) TouchCaller(ctx context.Context, orgID, callerID string, seenAt time.Time) error {
	if callerID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callers (id, organization_id, first_seen, last_seen, conversation_count)
		VALUES ($1, $2, $3, $3, 1)
		ON CONFLICT (organization_id, id) DO UPDATE SET
			last_seen = MAX(callers.last_seen, excluded.last_seen),
			conversation_count = callers.conversation_count + 1
	`, callerID, orgID, seenAt.UTC())
	if err != nil {
		return fmt.Errorf("touch caller: %w", err)
	}
	return nil
}

// GetCaller loads a caller record.
func (s *Store) GetCaller(ctx context.Context, orgID, callerID string) (*models.Caller, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, first_seen, last_seen, conversation_count
		FROM callers WHERE organization_id = $1 AND id = $2
	`, orgID, callerID)

	var c models.Caller
	err := row.Scan(&c.ID, &c.OrganizationID, &c.FirstSeen, &c.LastSeen, &c.ConversationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get caller: %w", err)
	}
	return &c, nil
}

// CreateConversation inserts a new conversation in its initial status.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if conv.Status == "" {
		conv.Status = models.StatusInitiated
	}
	transcript, err := marshalTranscript(conv.Transcript)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, organization_id, agent_id, caller_id, status, started_at, ended_at, duration_seconds, transcript, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		conv.ID,
		conv.OrganizationID,
		conv.AgentID,
		conv.CallerID,
		string(conv.Status),
		conv.StartedAt.UTC(),
		nullTime(conv.EndedAt),
		conv.DurationSeconds,
		transcript,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, agent_id, caller_id, status, started_at, ended_at, duration_seconds, transcript
		FROM conversations WHERE id = $1
	`, id)

	var (
		conv       models.Conversation
		status     string
		endedAt    sql.NullTime
		transcript sql.NullString
	)
	err := row.Scan(&conv.ID, &conv.OrganizationID, &conv.AgentID, &conv.CallerID,
		&status, &conv.StartedAt, &endedAt, &conv.DurationSeconds, &transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.Status = models.ConversationStatus(status)
	if endedAt.Valid {
		conv.EndedAt = endedAt.Time
	}
	if transcript.Valid && transcript.String != "" {
		if err := json.Unmarshal([]byte(transcript.String), &conv.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	return &conv, nil
}

// UpsertConversation inserts the conversation if it is unknown. Webhook
// delivery is not ordered, so a post-call event may be the first we hear of
// a conversation.
func (s *Store) UpsertConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := s.GetConversation(ctx, conv.ID)
	if errors.Is(err, ErrNotFound) {
		return s.CreateConversation(ctx, conv)
	}
	return err
}

// Transition moves a conversation to a new status, enforcing the lifecycle
// state machine. It returns *models.ErrInvalidTransition on illegal moves.
func (s *Store) Transition(ctx context.Context, id string, to models.ConversationStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}

	from := models.ConversationStatus(current)
	if from == to {
		return nil
	}
	if !models.CanTransition(from, to) {
		return &models.ErrInvalidTransition{From: from, To: to}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(to), time.Now().UTC()); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit()
}

// FinishConversation records end-of-call facts alongside the transcript.
func (s *Store) FinishConversation(ctx context.Context, id string, endedAt time.Time, durationSeconds int, transcript []models.TranscriptTurn) error {
	encoded, err := marshalTranscript(transcript)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET ended_at = $2, duration_seconds = $3, transcript = $4, updated_at = $5
		WHERE id = $1
	`, id, endedAt.UTC(), durationSeconds, encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns conversation ids currently in the given status,
// oldest first. The recovery sweep uses this to find interrupted work.
func (s *Store) ListByStatus(ctx context.Context, status models.ConversationStatus, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations WHERE status = $1 ORDER BY updated_at ASC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalTranscript(turns []models.TranscriptTurn) (sql.NullString, error) {
	if len(turns) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode transcript: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
