package activity

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MinTrackedDuration is the shortest activity worth persisting. Anything
// shorter is dropped when it ends.
const MinTrackedDuration = 5 * time.Second

// Type classifies an activity record.
type Type string

const (
	TypeWebsite Type = "website"
)

// Record is a single span of engagement with a page.
// TimestampEnd and TimeSpent are nil while the activity is in progress and are
// set together, once, by Finalize.
type Record struct {
	// ID is a ULID assigned at finalization; the collector uses it to accept
	// resent batches idempotently
	ID string `json:"id,omitempty"`

	Title       string  `json:"title"`
	URL         *string `json:"url"`
	Favicon     *string `json:"favicon"`
	Description *string `json:"description"`

	TimestampStart time.Time  `json:"timestamp_start"`
	TimestampEnd   *time.Time `json:"timestamp_end"`

	// TimeSpent is whole seconds between start and end, rounded to nearest
	TimeSpent *int `json:"time_spent"`

	ActivityType Type `json:"activity_type"`
}

// Start creates an in-progress record.
func Start(title string, url, favicon, description *string, at time.Time) Record {
	if strings.TrimSpace(title) == "" {
		title = "Unknown Page"
	}
	return Record{
		Title:          title,
		URL:            url,
		Favicon:        favicon,
		Description:    description,
		TimestampStart: at,
		ActivityType:   TypeWebsite,
	}
}

// Finalized reports whether both end fields are set.
func (r Record) Finalized() bool {
	return r.TimestampEnd != nil && r.TimeSpent != nil
}

// Elapsed returns the rounded whole seconds between start and end.
func Elapsed(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Seconds()))
}

// Finalize returns a copy of r with the end timestamp, time spent and an ID
// set. The receiver is left untouched.
func (r Record) Finalize(end time.Time) (Record, error) {
	if r.Finalized() {
		return Record{}, fmt.Errorf("activity %q already finalized", r.Title)
	}
	if end.Before(r.TimestampStart) {
		return Record{}, fmt.Errorf("activity end %s before start %s",
			end.Format(time.RFC3339), r.TimestampStart.Format(time.RFC3339))
	}

	spent := Elapsed(r.TimestampStart, end)
	out := r
	out.TimestampEnd = &end
	out.TimeSpent = &spent
	if out.ActivityType == "" {
		out.ActivityType = TypeWebsite
	}
	if out.ID == "" {
		id, err := NewID(r.TimestampStart)
		if err != nil {
			return Record{}, err
		}
		out.ID = id
	}
	return out, nil
}

// Worthwhile reports whether a finalized record is long enough to keep.
func (r Record) Worthwhile() bool {
	return r.TimeSpent != nil && *r.TimeSpent >= int(MinTrackedDuration/time.Second)
}

// Seconds returns TimeSpent or 0 for an in-progress record.
func (r Record) Seconds() int {
	if r.TimeSpent == nil {
		return 0
	}
	return *r.TimeSpent
}

// internalSchemes are browser-owned pages that are never tracked.
var internalSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"edge://",
	"about:",
	"devtools://",
	"view-source:",
}

// IsTrackable reports whether a page URL may start an activity.
func IsTrackable(url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	lower := strings.ToLower(url)
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	return true
}

// StringPtr returns nil for an empty string, or a pointer to s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
