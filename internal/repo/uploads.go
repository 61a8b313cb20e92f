package repo

import (
	"context"
	"database/sql"

	"planboard/internal/domain"
)

func (r Repo) InsertUpload(ctx context.Context, tx *sql.Tx, u domain.Upload) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO uploads(id,user_id,filename,content_type,size,blob_key,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.UserID, u.Filename, u.ContentType, u.Size, u.Key, u.CreatedAt)
	return err
}

func (r Repo) GetUpload(ctx context.Context, id string) (domain.Upload, error) {
	var u domain.Upload
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,filename,content_type,size,blob_key,created_at FROM uploads WHERE id=?`, id).
		Scan(&u.ID, &u.UserID, &u.Filename, &u.ContentType, &u.Size, &u.Key, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}
