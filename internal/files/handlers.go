package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/storage"
)

// Job type tags for file work.
const (
	JobTypeUploadSlides     = "uploadSlides"
	JobTypeUploadAssignment = "uploadAssignment"
	JobTypeDelete           = "deleteFiles"
)

// Store is the metadata persistence surface; *Repository implements it.
type Store interface {
	Insert(ctx context.Context, f File) error
	DeleteByExternalID(ctx context.Context, externalID string) error
}

// Drive is the external storage surface; *storage.Client implements it.
type Drive interface {
	UploadFile(ctx context.Context, path, folderID string) (*storage.UploadResult, error)
	Delete(ctx context.Context, fileID string) error
}

// Handler runs the upload and delete jobs.
type Handler struct {
	store Store
	drive Drive
}

// NewHandler creates a handler.
func NewHandler(store Store, drive Drive) *Handler {
	return &Handler{store: store, drive: drive}
}

// UploadPayload is the queued form of an upload: the file has already been
// staged locally by the HTTP layer.
type UploadPayload struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	FolderID string `json:"folder_id"`
}

// HandleUpload streams the staged file to the drive service and persists the
// metadata row. The staging file is removed regardless of outcome.
func (h *Handler) HandleUpload(kind string) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p UploadPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Unrecoverable("bad upload payload: %v", err)
		}
		if p.Path == "" {
			return queue.Unrecoverable("staged file path required")
		}
		if _, err := os.Stat(p.Path); errors.Is(err, os.ErrNotExist) {
			// The staging file is gone (cleaned up by a previous attempt);
			// retrying cannot bring it back.
			return queue.Unrecoverable("staged file %s no longer exists", p.Path)
		}
		defer func() {
			if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("files: remove staging file %s: %v", p.Path, err)
			}
		}()

		res, err := h.drive.UploadFile(ctx, p.Path, p.FolderID)
		if err != nil {
			return fmt.Errorf("upload %s: %w", p.Name, err)
		}
		return h.store.Insert(ctx, File{
			Name:       p.Name,
			Kind:       kind,
			FolderID:   p.FolderID,
			ExternalID: res.FileID,
			URL:        res.URL,
			Bytes:      res.Bytes,
		})
	}
}

// DeletePayload lists external file ids to remove.
type DeletePayload struct {
	FileIDs []string `json:"file_ids"`
}

// HandleDelete attempts each deletion independently and never fails the job;
// this is best-effort cleanup tied to record deletion elsewhere.
func (h *Handler) HandleDelete(ctx context.Context, job *queue.Job) error {
	var p DeletePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Unrecoverable("bad delete payload: %v", err)
	}

	succeeded, failed := 0, 0
	for _, id := range p.FileIDs {
		if err := h.drive.Delete(ctx, id); err != nil {
			failed++
			log.Printf("files: delete %s failed: %v", id, err)
			continue
		}
		succeeded++
		if err := h.store.DeleteByExternalID(ctx, id); err != nil {
			log.Printf("files: drop metadata for %s: %v", id, err)
		}
	}
	log.Printf("files: delete batch done, %d succeeded, %d failed", succeeded, failed)
	return nil
}
