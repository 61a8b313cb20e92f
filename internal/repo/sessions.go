package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"planboard/internal/domain"
)

const sessionColumns = `id,user_id,title,messages_json,created_at,updated_at`

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var messages string
	err := row.Scan(&s.ID, &s.UserID, &s.Title, &messages, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(messages), &s.Messages); err != nil {
		return s, fmt.Errorf("session %s messages: %w", s.ID, err)
	}
	if s.Messages == nil {
		s.Messages = []domain.Message{}
	}
	return s, nil
}

// UpsertSessionTx inserts or replaces a session; created_at of an existing
// row is preserved.
func (r Repo) UpsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	messages := s.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, messages_json=excluded.messages_json, updated_at=excluded.updated_at`,
		s.ID, s.UserID, s.Title, string(data), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// ListSessions returns a user's sessions, most recently updated first.
func (r Repo) ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id=? ORDER BY updated_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
