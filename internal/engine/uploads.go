package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"planboard/internal/domain"
	"planboard/internal/events"
	"planboard/internal/repo"
)

// StoreUpload writes the bytes to the blob store and records the metadata.
func (e Engine) StoreUpload(ctx context.Context, userID, filename, contentType string, data []byte) (domain.Upload, error) {
	if err := requireUser(userID); err != nil {
		return domain.Upload{}, err
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return domain.Upload{}, invalid("filename is required")
	}
	if len(data) == 0 {
		return domain.Upload{}, invalid("upload is empty")
	}
	if e.Config != nil && e.Config.Uploads.MaxBytes > 0 && int64(len(data)) > e.Config.Uploads.MaxBytes {
		return domain.Upload{}, invalid("upload exceeds %d bytes", e.Config.Uploads.MaxBytes)
	}
	if e.Blobs == nil {
		return domain.Upload{}, fmt.Errorf("no blob store configured")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := uuid.NewString()
	u := domain.Upload{
		ID:          id,
		UserID:      userID,
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Key:         userID + "/" + id,
		CreatedAt:   e.stamp(),
	}
	if err := e.Blobs.Put(ctx, u.Key, data, contentType); err != nil {
		return domain.Upload{}, fmt.Errorf("store upload: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Upload{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUpload(ctx, tx, u); err != nil {
		return domain.Upload{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UploadStored, userID, "upload", id, events.Payload{"filename": name, "size": u.Size}); err != nil {
		return domain.Upload{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Upload{}, err
	}
	return u, nil
}

func (e Engine) GetUpload(ctx context.Context, userID, id string) (domain.Upload, error) {
	u, err := e.Repo.GetUpload(ctx, id)
	if err != nil {
		return domain.Upload{}, err
	}
	if u.UserID != userID {
		return domain.Upload{}, repo.ErrNotFound
	}
	return u, nil
}
