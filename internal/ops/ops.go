package ops

import (
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/rewindly/agent/internal/queue"
	"github.com/rewindly/agent/internal/syncer"
)

// Limits for Recent.
const (
	DefaultRecentLimit = 5
	MaxRecentLimit     = 100
)

// Presence reports whether the user is currently engaged.
type Presence interface {
	IsUserActive() bool
}

// Deps bundles the components the command operations read and mutate.
type Deps struct {
	Queue  *queue.Queue
	Agent  *syncer.Agent
	Clock  quartz.Clock
	Logger slog.Logger

	// Presence is nil when no recorder runs in this process.
	Presence Presence

	// Location decides calendar days for "today". Defaults to time.Local.
	Location *time.Location
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().In(d.location())
	}
	return d.Clock.Now().In(d.location())
}

func (d Deps) location() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

func (d Deps) userActive() bool {
	if d.Presence == nil {
		return false
	}
	return d.Presence.IsUserActive()
}

// sameDay reports whether a and b fall on the same calendar day in loc.
func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
