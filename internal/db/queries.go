package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/rewindly/agent/internal/activity"
	"github.com/rewindly/agent/internal/errors"
)

// Named values kept in the kv table.
const (
	KeyLastSync     = "lastSync"
	KeySyncFailures = "syncFailures"
	KeyClientID     = "clientId"
)

// PendingActivity is a queued record together with its queue position.
type PendingActivity struct {
	Seq    int64
	Record activity.Record
}

const pendingColumns = `
	seq, id, title, url, favicon, description,
	timestamp_start, timestamp_end, time_spent, activity_type
`

// InsertPending appends a finalized record and returns its sequence number.
func InsertPending(ctx context.Context, db *sql.DB, r activity.Record) (int64, error) {
	if !r.Finalized() || r.ID == "" {
		return 0, errors.NewInvalidRequest("only finalized records with an id can be queued")
	}

	query := `
		INSERT INTO pending_activities (
			id, title, url, favicon, description,
			timestamp_start, timestamp_end, time_spent, activity_type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query,
		r.ID, r.Title, toNullString(r.URL), toNullString(r.Favicon), toNullString(r.Description),
		r.TimestampStart.UnixMilli(), r.TimestampEnd.UnixMilli(), *r.TimeSpent,
		string(r.ActivityType), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, errors.NewPersistence("append", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, errors.NewPersistence("append", err)
	}
	return seq, nil
}

// ListPending returns every queued record in insertion order.
func ListPending(ctx context.Context, db *sql.DB) ([]PendingActivity, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_activities ORDER BY seq ASC`)
	if err != nil {
		return nil, errors.NewPersistence("snapshot", err)
	}
	defer rows.Close()

	items, err := scanPending(rows)
	if err != nil {
		return nil, errors.NewPersistence("snapshot", err)
	}
	return items, nil
}

// ListPendingTail returns the last limit records, newest first.
func ListPendingTail(ctx context.Context, db *sql.DB, limit int) ([]PendingActivity, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_activities ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewPersistence("tail", err)
	}
	defer rows.Close()

	items, err := scanPending(rows)
	if err != nil {
		return nil, errors.NewPersistence("tail", err)
	}
	return items, nil
}

// CountPending returns the queue length.
func CountPending(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_activities`).Scan(&n); err != nil {
		return 0, errors.NewPersistence("count", err)
	}
	return n, nil
}

// DeletePendingFirst removes the first n records in queue order.
func DeletePendingFirst(ctx context.Context, db *sql.DB, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	result, err := db.ExecContext(ctx, `
		DELETE FROM pending_activities
		WHERE seq IN (SELECT seq FROM pending_activities ORDER BY seq ASC LIMIT ?)
	`, n)
	if err != nil {
		return 0, errors.NewPersistence("remove prefix", err)
	}
	return rowsAffected(result, "remove prefix")
}

// DeletePendingThrough removes every record with seq <= maxSeq.
func DeletePendingThrough(ctx context.Context, db *sql.DB, maxSeq int64) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM pending_activities WHERE seq <= ?`, maxSeq)
	if err != nil {
		return 0, errors.NewPersistence("remove prefix", err)
	}
	return rowsAffected(result, "remove prefix")
}

// ClearPending removes every queued record.
func ClearPending(ctx context.Context, db *sql.DB) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM pending_activities`)
	if err != nil {
		return 0, errors.NewPersistence("clear", err)
	}
	return rowsAffected(result, "clear")
}

// GetValue reads a named value. Missing keys return a NOT_FOUND error.
func GetValue(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.NewNotFound(key)
	}
	if err != nil {
		return "", errors.NewPersistence("get "+key, err)
	}
	return value, nil
}

// SetValue writes a named value, replacing any previous one.
func SetValue(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.NewPersistence("set "+key, err)
	}
	return nil
}

// DeleteValues removes the given keys. Missing keys are ignored.
func DeleteValues(ctx context.Context, db *sql.DB, keys ...string) error {
	for _, key := range keys {
		if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return errors.NewPersistence("delete "+key, err)
		}
	}
	return nil
}

// GetTime reads a value stored by SetTime. ok is false when the key is unset.
func GetTime(ctx context.Context, db *sql.DB, key string) (t time.Time, ok bool, err error) {
	raw, err := GetValue(ctx, db, key)
	if errors.Is(err, errors.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, errors.NewPersistence("parse "+key, err)
	}
	return t, true, nil
}

// SetTime stores t as an RFC 3339 string.
func SetTime(ctx context.Context, db *sql.DB, key string, t time.Time) error {
	return SetValue(ctx, db, key, t.UTC().Format(time.RFC3339Nano))
}

// GetInt reads an integer value; unset keys read as 0.
func GetInt(ctx context.Context, db *sql.DB, key string) (int, error) {
	raw, err := GetValue(ctx, db, key)
	if errors.Is(err, errors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewPersistence("parse "+key, err)
	}
	return n, nil
}

// SetInt stores an integer value.
func SetInt(ctx context.Context, db *sql.DB, key string, n int) error {
	return SetValue(ctx, db, key, strconv.Itoa(n))
}

// scanPending reads rows selected with pendingColumns.
func scanPending(rows *sql.Rows) ([]PendingActivity, error) {
	var items []PendingActivity
	for rows.Next() {
		var (
			p           PendingActivity
			url         sql.NullString
			favicon     sql.NullString
			description sql.NullString
			startMs     int64
			endMs       int64
			spent       int
			kind        string
		)
		if err := rows.Scan(
			&p.Seq, &p.Record.ID, &p.Record.Title, &url, &favicon, &description,
			&startMs, &endMs, &spent, &kind,
		); err != nil {
			return nil, err
		}

		end := time.UnixMilli(endMs)
		p.Record.URL = fromNullString(url)
		p.Record.Favicon = fromNullString(favicon)
		p.Record.Description = fromNullString(description)
		p.Record.TimestampStart = time.UnixMilli(startMs)
		p.Record.TimestampEnd = &end
		p.Record.TimeSpent = &spent
		p.Record.ActivityType = activity.Type(kind)

		items = append(items, p)
	}
	return items, rows.Err()
}

func rowsAffected(result sql.Result, op string) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewPersistence(op, err)
	}
	return n, nil
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
