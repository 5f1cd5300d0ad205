package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/docchat/internal/domain"
)

// SessionRepository handles session and transcript persistence
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session
func (r *SessionRepository) Create(session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	warningsJSON, _ := json.Marshal(session.Warnings)

	_, err := r.db.Exec(`
		INSERT INTO sessions (id, state, document_count, attempted_count, warnings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, string(session.State), session.DocumentCount, session.AttemptedCount,
		string(warningsJSON), session.CreatedAt, session.UpdatedAt)

	return err
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(id string) (*domain.Session, error) {
	row := r.db.QueryRow(`
		SELECT id, state, document_count, attempted_count, warnings, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// List retrieves all sessions, newest first
func (r *SessionRepository) List() ([]*domain.Session, error) {
	rows, err := r.db.Query(`
		SELECT id, state, document_count, attempted_count, warnings, created_at, updated_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// UpdateState stores the phase, counts and warnings of a session
func (r *SessionRepository) UpdateState(session *domain.Session) error {
	session.UpdatedAt = time.Now()
	warningsJSON, _ := json.Marshal(session.Warnings)

	result, err := r.db.Exec(`
		UPDATE sessions SET state = ?, document_count = ?, attempted_count = ?, warnings = ?, updated_at = ?
		WHERE id = ?
	`, string(session.State), session.DocumentCount, session.AttemptedCount,
		string(warningsJSON), session.UpdatedAt, session.ID)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session not found: %s", session.ID)
	}

	return nil
}

// Delete deletes a session together with its transcript
func (r *SessionRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// CountByState returns the number of sessions in the given state
func (r *SessionRepository) CountByState(state domain.SessionState) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE state = ?`, string(state)).Scan(&count)
	return count, err
}

// Count returns the total number of sessions
func (r *SessionRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// AppendEntry appends a question and answer to a session transcript.
// The entry is numbered after the last one in the same statement.
func (r *SessionRepository) AppendEntry(entry *domain.ChatEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now()

	sourcesJSON, _ := json.Marshal(entry.Sources)

	return r.db.QueryRow(`
		INSERT INTO messages (id, session_id, seq, question, answer, sources, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM messages WHERE session_id = ?
		RETURNING seq
	`, entry.ID, entry.SessionID, entry.Question, entry.Answer,
		string(sourcesJSON), entry.CreatedAt, entry.SessionID).Scan(&entry.Seq)
}

// ListEntries retrieves the transcript of a session in arrival order,
// or most recent first when newestFirst is set.
func (r *SessionRepository) ListEntries(sessionID string, newestFirst bool) ([]*domain.ChatEntry, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}

	rows, err := r.db.Query(`
		SELECT id, session_id, seq, question, answer, sources, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq `+order, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.ChatEntry
	for rows.Next() {
		entry := &domain.ChatEntry{}
		var sourcesJSON sql.NullString

		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Seq, &entry.Question,
			&entry.Answer, &sourcesJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}

		if sourcesJSON.Valid && sourcesJSON.String != "" {
			json.Unmarshal([]byte(sourcesJSON.String), &entry.Sources)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// CountEntries returns the transcript length of a session
func (r *SessionRepository) CountEntries(sessionID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// CountAllEntries returns the number of answered questions across sessions
func (r *SessionRepository) CountAllEntries() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	session := &domain.Session{}
	var (
		state        string
		warningsJSON sql.NullString
	)

	if err := row.Scan(&session.ID, &state, &session.DocumentCount, &session.AttemptedCount,
		&warningsJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.State = domain.SessionState(state)

	if warningsJSON.Valid && warningsJSON.String != "" {
		json.Unmarshal([]byte(warningsJSON.String), &session.Warnings)
	}

	return session, nil
}
