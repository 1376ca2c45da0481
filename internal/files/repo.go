package files

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// File is a metadata row for a document stored on the external drive.
type File struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"` // "slides" or "assignment"
	FolderID   string    `json:"folder_id"`
	ExternalID string    `json:"external_id"`
	URL        string    `json:"url"`
	Bytes      int64     `json:"bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository persists file metadata in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a metadata row after a successful upload.
func (r *Repository) Insert(ctx context.Context, f File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (id, name, kind, folder_id, external_id, url, bytes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, f.ID, f.Name, f.Kind, f.FolderID, f.ExternalID, f.URL, f.Bytes)
	return err
}

// DeleteByExternalID removes the metadata row for an external file id.
func (r *Repository) DeleteByExternalID(ctx context.Context, externalID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE external_id = $1`, externalID)
	return err
}
