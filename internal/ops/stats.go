package ops

import (
	"context"
	"math"
	"time"
)

// StatsOutput summarizes local, not yet synced activity.
type StatsOutput struct {
	TotalActivitiesToday int        `json:"totalActivitiesToday"`
	TotalTimeToday       int        `json:"totalTimeToday"` // minutes
	PendingSync          int        `json:"pendingSync"`
	LastSync             *time.Time `json:"lastSync"`
	IsActive             bool       `json:"isActive"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
}

// Stats computes today's totals from the queue plus the sync state.
// "Today" is the current calendar date in d.Location.
func Stats(ctx context.Context, d Deps) (*StatsOutput, error) {
	snap, err := d.Queue.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := d.now()
	loc := d.location()

	var count, seconds int
	for _, r := range snap.Records() {
		if !sameDay(r.TimestampStart, now, loc) {
			continue
		}
		count++
		seconds += r.Seconds()
	}

	st, err := d.Agent.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsOutput{
		TotalActivitiesToday: count,
		TotalTimeToday:       int(math.Round(float64(seconds) / 60)),
		PendingSync:          snap.Len(),
		LastSync:             st.LastSync,
		IsActive:             d.userActive(),
		ConsecutiveFailures:  st.ConsecutiveFailures,
	}, nil
}
