package repo

import (
	"context"
	"database/sql"
	"strings"

	"planboard/internal/domain"
)

// EventsAfter returns events with id > afterID in id order, optionally
// limited to type prefixes such as "task.".
func (r Repo) EventsAfter(ctx context.Context, afterID int64, prefixes []string, limit int) ([]domain.Event, error) {
	query := `SELECT id, ts, type, COALESCE(user_id,''), entity_kind, COALESCE(entity_id,''), payload_json FROM events WHERE id > ?`
	args := []any{afterID}
	if len(prefixes) > 0 {
		var ors []string
		for _, p := range prefixes {
			ors = append(ors, "type LIKE ?")
			args = append(args, p+"%")
		}
		query += " AND (" + strings.Join(ors, " OR ") + ")"
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
