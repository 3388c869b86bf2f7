// Package queue holds finalized activity records between creation and
// confirmed delivery.
//
// Every mutation is committed to SQLite before the call returns, so a process
// that dies right after Append still has the record on restart. A single mutex
// serializes Append, Snapshot, RemovePrefix and Clear; the recorder appends
// while the sync agent snapshots and removes without either seeing a torn
// state.
package queue

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rewindly/agent/internal/activity"
	"github.com/rewindly/agent/internal/db"
)

// Entry is a queued record and its stable position.
type Entry struct {
	Seq    int64
	Record activity.Record
}

// Snapshot is the ordered queue content at one instant.
type Snapshot struct {
	Entries []Entry
}

// Len returns the number of entries in the snapshot.
func (s Snapshot) Len() int { return len(s.Entries) }

// Records returns the snapshot's records in queue order.
func (s Snapshot) Records() []activity.Record {
	out := make([]activity.Record, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Record
	}
	return out
}

// Queue is the durable, ordered list of records awaiting transmission.
type Queue struct {
	mu sync.Mutex
	db *sql.DB
}

// New returns a Queue backed by database.
func New(database *sql.DB) *Queue {
	return &Queue{db: database}
}

// Append adds a finalized record to the end of the queue. The record is
// persisted before Append returns; on error the record was not queued.
func (q *Queue) Append(ctx context.Context, r activity.Record) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return db.InsertPending(ctx, q.db, r)
}

// Snapshot returns the full ordered content without mutating it.
func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := db.ListPending(ctx, q.db)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entries: toEntries(rows)}, nil
}

// RemovePrefix removes the first n records in queue order.
func (q *Queue) RemovePrefix(ctx context.Context, n int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := db.DeletePendingFirst(ctx, q.db, n)
	return int(removed), err
}

// RemoveConfirmed removes the first n entries of snap that are still queued.
// Records appended after snap was taken are never touched, even when the
// queue was cleared in between.
func (q *Queue) RemoveConfirmed(ctx context.Context, snap Snapshot, n int) (int, error) {
	if n <= 0 || snap.Len() == 0 {
		return 0, nil
	}
	if n > snap.Len() {
		n = snap.Len()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := db.DeletePendingThrough(ctx, q.db, snap.Entries[n-1].Seq)
	return int(removed), err
}

// Clear drops every queued record irrecoverably and reports how many were dropped.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := db.ClearPending(ctx, q.db)
	return int(removed), err
}

// Len returns the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return db.CountPending(ctx, q.db)
}

// Tail returns up to limit of the most recently appended records, newest first.
func (q *Queue) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := db.ListPendingTail(ctx, q.db, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

func toEntries(rows []db.PendingActivity) []Entry {
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{Seq: r.Seq, Record: r.Record}
	}
	return entries
}
