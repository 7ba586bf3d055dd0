package repo

import (
	"context"
	"database/sql"

	"versekeep/internal/domain"
)

const notificationColumns = `id,contract_id,writer_id,severity,message,created_at,read_at`

func scanNotification(s scanner) (domain.Notification, error) {
	var (
		n       domain.Notification
		created string
		readAt  sql.NullString
	)
	if err := s.Scan(&n.ID, &n.ContractID, &n.WriterID, &n.Severity, &n.Message, &created, &readAt); err != nil {
		return n, err
	}
	var err error
	if n.CreatedAt, err = parseTime(created); err != nil {
		return n, err
	}
	n.ReadAt, err = parseNullTime(readAt)
	return n, err
}

// InsertNotificationTx stores a notification. A repeated non-empty dedupeKey
// is ignored and reported as not inserted.
func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification, dedupeKey string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notifications(id,contract_id,writer_id,severity,message,created_at,read_at,dedupe_key)
VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.ContractID, n.WriterID, string(n.Severity), n.Message, FormatTime(n.CreatedAt), nullableTime(n.ReadAt), nullable(dedupeKey))
	if err != nil {
		return false, storeErr("insert notification", err)
	}
	affected, err := res.RowsAffected()
	return affected == 1, storeErr("insert notification", err)
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	n, err := scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
	return n, storeErr("get notification", notFound("notification", id, err))
}

// MarkNotificationRead keeps the first read time.
func (r Repo) MarkNotificationRead(ctx context.Context, id, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read_at=COALESCE(read_at, ?) WHERE id=?`, at, id)
	if err != nil {
		return storeErr("mark notification read", err)
	}
	return storeErr("mark notification read", affectedOne(res, "notification", id))
}

type NotificationFilters struct {
	WriterID   string
	ContractID string
	UnreadOnly bool
	Limit      int
}

// ListNotifications returns notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE writer_id=?`
	args := []any{f.WriterID}
	if f.ContractID != "" {
		query += ` AND contract_id=?`
		args = append(args, f.ContractID)
	}
	if f.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storeErr("scan notification", err)
		}
		res = append(res, n)
	}
	return res, storeErr("list notifications", rows.Err())
}
