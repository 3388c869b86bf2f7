// Package syncer delivers queued activity records to the remote collector.
//
// An Agent runs at most one attempt at a time, across processes sharing the
// database. Attempts start from a periodic ticker, an on-demand request, or a
// retry timer scheduled after a failure. Retries are scheduled only while the
// consecutive failure count is below the RetryPolicy ceiling; after that the
// agent waits for the next periodic or on-demand trigger.
package syncer

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/rewindly/agent/internal/db"
	"github.com/rewindly/agent/internal/errors"
	"github.com/rewindly/agent/internal/queue"
)

// DefaultInterval is the period between automatic syncs.
const DefaultInterval = 5 * time.Minute

// DefaultLeaseTTL bounds how long a crashed process can block other agents.
const DefaultLeaseTTL = 2 * time.Minute

// Trigger names what started an attempt.
type Trigger string

const (
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
	TriggerRetry    Trigger = "retry"
)

// Result reports the outcome of one attempt.
type Result struct {
	Success bool   `json:"success"`
	Synced  int    `json:"synced"`
	Error   string `json:"error,omitempty"`
	// Skipped is set when another attempt was already in flight.
	Skipped bool `json:"skipped,omitempty"`
	// RetryIn is the delay before the scheduled retry, if one was scheduled.
	RetryIn time.Duration `json:"-"`

	err error
}

// Err returns the underlying error of a failed attempt.
func (r Result) Err() error { return r.err }

// SyncState survives restarts in the kv table.
type SyncState struct {
	LastSync            *time.Time `json:"last_sync"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Options configures an Agent. Zero values take defaults.
type Options struct {
	Interval time.Duration
	Policy   RetryPolicy
	Clock    quartz.Clock
	Logger   slog.Logger
	// LeaseTTL must exceed the longest attempt, collector timeout included.
	LeaseTTL time.Duration
}

// Agent owns SyncState and is the only remover of queued records.
type Agent struct {
	queue    *queue.Queue
	db       *sql.DB
	client   Client
	interval time.Duration
	policy   RetryPolicy
	clock    quartz.Clock
	logger   slog.Logger
	owner    string
	leaseTTL time.Duration

	// ctx outlives individual triggers; retries run under it.
	ctx    context.Context
	cancel context.CancelFunc

	inFlight atomic.Bool

	mu         sync.Mutex
	state      SyncState
	retryTimer *quartz.Timer
	retryGen   uint64
}

// New returns an Agent. Call Load before the first attempt to restore state.
func New(q *queue.Queue, database *sql.DB, client Client, opts Options) *Agent {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Policy.MaxRetries <= 0 && opts.Policy.BaseDelay <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		queue:    q,
		db:       database,
		client:   client,
		interval: opts.Interval,
		policy:   opts.Policy,
		clock:    opts.Clock,
		logger:   opts.Logger,
		owner:    uuid.NewString(),
		leaseTTL: opts.LeaseTTL,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load restores SyncState from storage. Missing values read as the initial state.
func (a *Agent) Load(ctx context.Context) error {
	last, ok, err := db.GetTime(ctx, a.db, db.KeyLastSync)
	if err != nil {
		return err
	}
	failures, err := db.GetInt(ctx, a.db, db.KeySyncFailures)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = SyncState{ConsecutiveFailures: failures}
	if ok {
		a.state.LastSync = &last
	}
	return nil
}

// Refresh reloads SyncState from storage, picking up syncs, failures and
// resets made by other processes, and returns it.
func (a *Agent) Refresh(ctx context.Context) (SyncState, error) {
	if err := a.Load(ctx); err != nil {
		return SyncState{}, err
	}
	return a.State(), nil
}

// State returns a copy of the current SyncState.
func (a *Agent) State() SyncState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state
	if st.LastSync != nil {
		last := *st.LastSync
		st.LastSync = &last
	}
	return st
}

// RetryPending reports whether a retry timer is scheduled.
func (a *Agent) RetryPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryTimer != nil
}

// Run triggers a sync every interval, the first one interval after Run is
// called, until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info(ctx, "sync agent started", slog.F("interval", a.interval))
	tkr := a.clock.TickerFunc(ctx, a.interval, func() error {
		a.Sync(ctx, TriggerPeriodic)
		return nil
	}, "syncer", "periodic")

	err := tkr.Wait()
	a.Close()
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops any scheduled retry. In-flight attempts run to completion.
func (a *Agent) Close() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopRetryLocked()
}

// SyncNow runs an on-demand attempt.
func (a *Agent) SyncNow(ctx context.Context) Result {
	return a.Sync(ctx, TriggerManual)
}

// Sync runs one attempt. A trigger that arrives while an attempt is in flight
// is coalesced into it and reported as skipped.
func (a *Agent) Sync(ctx context.Context, trigger Trigger) Result {
	logger := a.logger.With(slog.F("trigger", trigger))

	if !a.inFlight.CompareAndSwap(false, true) {
		err := errors.NewSyncInProgress()
		logger.Debug(ctx, "sync already in flight")
		return Result{Skipped: true, Error: err.Error(), err: err}
	}
	defer a.inFlight.Store(false)

	if trigger != TriggerRetry {
		a.mu.Lock()
		a.stopRetryLocked()
		a.mu.Unlock()
	}

	held, err := db.AcquireSyncLease(ctx, a.db, a.owner, a.clock.Now(), a.leaseTTL)
	if err != nil {
		logger.Error(ctx, "acquire sync lease", slog.Error(err))
		return Result{Error: err.Error(), err: err}
	}
	if !held {
		err := errors.NewSyncInProgress()
		logger.Debug(ctx, "sync running in another process")
		return Result{Skipped: true, Error: err.Error(), err: err}
	}
	defer func() {
		if err := db.ReleaseSyncLease(context.WithoutCancel(ctx), a.db, a.owner); err != nil {
			logger.Warn(ctx, "release sync lease", slog.Error(err))
		}
	}()

	// another process may have synced, failed or cleared since our last attempt
	st, err := a.Refresh(ctx)
	if err != nil {
		logger.Error(ctx, "load sync state", slog.Error(err))
		return Result{Error: err.Error(), err: err}
	}
	if trigger == TriggerRetry && st.ConsecutiveFailures == 0 {
		logger.Debug(ctx, "retry superseded by a sync or reset")
		return Result{Success: true}
	}

	snap, err := a.queue.Snapshot(ctx)
	if err != nil {
		logger.Error(ctx, "snapshot pending activities", slog.Error(err))
		return Result{Error: err.Error(), err: err}
	}
	if snap.Len() == 0 {
		logger.Debug(ctx, "no pending activities to sync")
		return Result{Success: true}
	}

	logger.Info(ctx, "syncing activities", slog.F("count", snap.Len()))
	processed, err := a.client.Send(ctx, snap.Records())
	if err == nil && (processed < 0 || processed > snap.Len()) {
		err = errors.NewMalformedResponse(
			fmt.Sprintf("processed count %d outside batch of %d", processed, snap.Len()))
	}
	if err != nil {
		return a.fail(ctx, logger, err)
	}

	if _, err := a.queue.RemoveConfirmed(ctx, snap, processed); err != nil {
		// Confirmed records stay queued and are resent; the collector accepts
		// them again by id.
		logger.Error(ctx, "remove confirmed activities", slog.Error(err))
		return Result{Error: err.Error(), err: err}
	}

	now := a.clock.Now()
	a.mu.Lock()
	a.state.LastSync = &now
	a.state.ConsecutiveFailures = 0
	a.stopRetryLocked()
	a.mu.Unlock()

	if err := a.persist(ctx, now, 0); err != nil {
		logger.Warn(ctx, "persist sync state", slog.Error(err))
	}

	logger.Info(ctx, "synced activities",
		slog.F("processed", processed),
		slog.F("batch", snap.Len()))
	return Result{Success: true, Synced: processed}
}

// fail records a failed attempt and schedules a retry while the consecutive
// failure count is below the ceiling.
func (a *Agent) fail(ctx context.Context, logger slog.Logger, err error) Result {
	a.mu.Lock()
	a.state.ConsecutiveFailures++
	failures := a.state.ConsecutiveFailures

	var retryIn time.Duration
	if errors.Retryable(err) && a.policy.ShouldRetry(failures) && a.ctx.Err() == nil {
		retryIn = a.policy.Delay(failures)
		a.stopRetryLocked()
		gen := a.retryGen
		a.retryTimer = a.clock.AfterFunc(retryIn, func() { a.retry(gen) }, "syncer", "retry")
	}
	a.mu.Unlock()

	if perr := db.SetInt(ctx, a.db, db.KeySyncFailures, failures); perr != nil {
		logger.Warn(ctx, "persist sync failures", slog.Error(perr))
	}

	fields := []slog.Field{
		slog.Error(err),
		slog.F("consecutive_failures", failures),
	}
	if retryIn > 0 {
		logger.Warn(ctx, "sync failed, retry scheduled", append(fields, slog.F("retry_in", retryIn))...)
	} else {
		logger.Warn(ctx, "sync failed, waiting for next trigger", fields...)
	}

	return Result{Error: err.Error(), RetryIn: retryIn, err: err}
}

// retry runs a scheduled retry unless it was superseded after being scheduled.
func (a *Agent) retry(gen uint64) {
	a.mu.Lock()
	if gen != a.retryGen {
		a.mu.Unlock()
		return
	}
	a.retryTimer = nil
	a.mu.Unlock()

	if a.ctx.Err() != nil {
		return
	}
	a.Sync(a.ctx, TriggerRetry)
}

// Reset returns SyncState to its initial values and drops any scheduled retry.
// Nothing changes when the stored state cannot be deleted.
func (a *Agent) Reset(ctx context.Context) error {
	if err := db.DeleteValues(ctx, a.db, db.KeyLastSync, db.KeySyncFailures); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopRetryLocked()
	a.state = SyncState{}
	return nil
}

func (a *Agent) persist(ctx context.Context, last time.Time, failures int) error {
	if err := db.SetTime(ctx, a.db, db.KeyLastSync, last); err != nil {
		return err
	}
	return db.SetInt(ctx, a.db, db.KeySyncFailures, failures)
}

func (a *Agent) stopRetryLocked() {
	a.retryGen++
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}
