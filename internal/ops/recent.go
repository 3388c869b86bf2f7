package ops

import (
	"context"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// RecentInput contains parameters for the Recent operation.
type RecentInput struct {
	Limit int // default: 5, max: 100
}

// RecentItem is a queued activity projected for display.
type RecentItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       *string   `json:"url"`
	Favicon   *string   `json:"favicon,omitempty"`
	TimeSpent int       `json:"timeSpent"` // minutes
	Timestamp string    `json:"timestamp"` // local clock time of the start
	Ago       string    `json:"ago"`
	StartedAt time.Time `json:"startedAt"`
}

// RecentOutput contains the result of the Recent operation.
type RecentOutput struct {
	Activities []RecentItem `json:"activities"`
}

// Recent returns the most recently queued activities, newest first.
func Recent(ctx context.Context, d Deps, input RecentInput) (*RecentOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	entries, err := d.Queue.Tail(ctx, limit)
	if err != nil {
		return nil, err
	}

	now := d.now()
	loc := d.location()
	items := make([]RecentItem, 0, len(entries))
	for _, e := range entries {
		r := e.Record
		start := r.TimestampStart.In(loc)
		items = append(items, RecentItem{
			ID:        r.ID,
			Title:     r.Title,
			URL:       r.URL,
			Favicon:   r.Favicon,
			TimeSpent: int(math.Round(float64(r.Seconds()) / 60)),
			Timestamp: start.Format(time.Kitchen),
			Ago:       humanize.RelTime(start, now, "ago", "from now"),
			StartedAt: start,
		})
	}

	return &RecentOutput{Activities: items}, nil
}
