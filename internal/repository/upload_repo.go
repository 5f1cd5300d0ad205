package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/docchat/internal/domain"
)

// UploadRepository records completed upload cycles
type UploadRepository struct {
	db *DB
}

// NewUploadRepository creates a new upload repository
func NewUploadRepository(db *DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Create stores an upload record
func (r *UploadRepository) Create(upload *domain.UploadRecord) error {
	if upload.ID == "" {
		upload.ID = uuid.New().String()
	}
	upload.CreatedAt = time.Now()

	warningsJSON, _ := json.Marshal(upload.Warnings)

	_, err := r.db.Exec(`
		INSERT INTO uploads (id, session_id, attempted, processed, documents, chunks, warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, upload.ID, upload.SessionID, upload.Attempted, upload.Processed, upload.Documents,
		upload.Chunks, string(warningsJSON), upload.CreatedAt)

	return err
}

// ListBySession retrieves the uploads of a session, newest first
func (r *UploadRepository) ListBySession(sessionID string) ([]*domain.UploadRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, session_id, attempted, processed, documents, chunks, warnings, created_at
		FROM uploads WHERE session_id = ?
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []*domain.UploadRecord
	for rows.Next() {
		upload := &domain.UploadRecord{}
		var warningsJSON sql.NullString

		if err := rows.Scan(&upload.ID, &upload.SessionID, &upload.Attempted, &upload.Processed,
			&upload.Documents, &upload.Chunks, &warningsJSON, &upload.CreatedAt); err != nil {
			return nil, err
		}

		if warningsJSON.Valid && warningsJSON.String != "" {
			json.Unmarshal([]byte(warningsJSON.String), &upload.Warnings)
		}
		uploads = append(uploads, upload)
	}

	return uploads, rows.Err()
}

// Count returns the number of completed uploads
func (r *UploadRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM uploads`).Scan(&count)
	return count, err
}
