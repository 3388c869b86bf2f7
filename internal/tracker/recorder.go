// Package tracker turns browser signals into finalized activity records.
//
// A Recorder is either Idle or Tracking exactly one activity. Every event is
// handled under one lock, so ending the current activity (including the
// short-activity drop and the queue append) always completes before the next
// activity starts.
package tracker

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/rewindly/agent/internal/activity"
	"github.com/rewindly/agent/internal/metadata"
)

// State is the recorder's position in its state machine.
type State int

const (
	Idle State = iota
	Tracking
)

func (s State) String() string {
	if s == Tracking {
		return "tracking"
	}
	return "idle"
}

// Appender persists finalized records.
type Appender interface {
	Append(ctx context.Context, r activity.Record) (int64, error)
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State         State
	Current       *activity.Record
	IsUserActive  bool
	LastHeartbeat time.Time
}

// Recorder owns the single in-progress activity.
type Recorder struct {
	queue     Appender
	extractor metadata.Extractor
	clock     quartz.Clock
	logger    slog.Logger

	mu            sync.Mutex
	current       *activity.Record
	userActive    bool
	lastHeartbeat time.Time
}

// New returns an idle recorder. The user is assumed active until told otherwise.
func New(queue Appender, extractor metadata.Extractor, clock quartz.Clock, logger slog.Logger) *Recorder {
	if extractor == nil {
		extractor = metadata.HTMLExtractor{}
	}
	return &Recorder{
		queue:      queue,
		extractor:  extractor,
		clock:      clock,
		logger:     logger,
		userActive: true,
	}
}

// Handle applies one event. The only error it returns is a failure to persist
// a finished activity; the recorder is consistent either way.
func (r *Recorder) Handle(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.logger.Debug(ctx, "event", slog.F("type", ev.eventName()))

	switch e := ev.(type) {
	case TabActivated:
		return r.switchTo(ctx, e.Page, now)

	case TabUpdated:
		if !e.Complete || !e.Active {
			return nil
		}
		return r.switchTo(ctx, e.Page, now)

	case FocusChanged:
		if !e.Focused {
			r.userActive = false
			return r.end(ctx, now)
		}
		r.userActive = true
		if e.ActiveTab == nil {
			return nil
		}
		return r.switchTo(ctx, *e.ActiveTab, now)

	case IdleStateChanged:
		if e.State == IdleActive {
			r.userActive = true
			return nil
		}
		r.userActive = false
		return r.end(ctx, now)

	case UserInactive:
		r.userActive = false
		return r.end(ctx, now)

	case Heartbeat:
		r.lastHeartbeat = now
		return nil

	case Shutdown:
		return r.end(ctx, now)
	}
	return nil
}

// State reports whether an activity is in progress.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return Tracking
	}
	return Idle
}

// IsUserActive reports the last known user presence.
func (r *Recorder) IsUserActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userActive
}

// Status returns a copy of the recorder's state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		State:         Idle,
		IsUserActive:  r.userActive,
		LastHeartbeat: r.lastHeartbeat,
	}
	if r.current != nil {
		cur := *r.current
		st.State = Tracking
		st.Current = &cur
	}
	return st
}

// switchTo ends the current activity and, if page is trackable, starts a new
// one. A persistence failure from the end does not prevent the start.
func (r *Recorder) switchTo(ctx context.Context, page metadata.Page, now time.Time) error {
	err := r.end(ctx, now)
	if !activity.IsTrackable(page.URL) {
		r.logger.Debug(ctx, "page not trackable", slog.F("url", page.URL))
		return err
	}
	r.start(ctx, page, now)
	return err
}

// start must be called with mu held and no current activity.
func (r *Recorder) start(ctx context.Context, page metadata.Page, now time.Time) {
	md, err := r.extractor.Extract(ctx, page)
	if err != nil {
		r.logger.Debug(ctx, "metadata extraction incomplete",
			slog.F("url", page.URL), slog.Error(err))
	}

	title := page.Title
	if md.Title != nil {
		title = *md.Title
	}
	rec := activity.Start(title, activity.StringPtr(page.URL), md.Favicon, md.Description, now)
	r.current = &rec

	r.logger.Info(ctx, "started tracking activity", slog.F("title", rec.Title))
}

// end must be called with mu held. Short activities are discarded. The
// finished activity is appended even after ctx is cancelled.
func (r *Recorder) end(ctx context.Context, now time.Time) error {
	if r.current == nil {
		return nil
	}
	cur := *r.current
	r.current = nil

	if now.Before(cur.TimestampStart) {
		now = cur.TimestampStart
	}
	if activity.Elapsed(cur.TimestampStart, now) < int(activity.MinTrackedDuration/time.Second) {
		r.logger.Debug(ctx, "dropped short activity",
			slog.F("title", cur.Title),
			slog.F("seconds", activity.Elapsed(cur.TimestampStart, now)))
		return nil
	}

	done, err := cur.Finalize(now)
	if err != nil {
		r.logger.Error(ctx, "finalize activity", slog.F("title", cur.Title), slog.Error(err))
		return err
	}
	if _, err := r.queue.Append(context.WithoutCancel(ctx), done); err != nil {
		r.logger.Error(ctx, "failed to queue activity", slog.F("title", done.Title), slog.Error(err))
		return err
	}

	r.logger.Info(ctx, "ended activity",
		slog.F("title", done.Title),
		slog.F("seconds", done.Seconds()))
	return nil
}
