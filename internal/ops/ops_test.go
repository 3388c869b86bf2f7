package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/rewindly/agent/internal/activity"
	"github.com/rewindly/agent/internal/db"
	"github.com/rewindly/agent/internal/errors"
	"github.com/rewindly/agent/internal/queue"
	"github.com/rewindly/agent/internal/syncer"
)

// now for every test: Monday afternoon.
var now = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

type stubClient struct {
	err error
}

func (c stubClient) Send(_ context.Context, batch []activity.Record) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return len(batch), nil
}

type presence bool

func (p presence) IsUserActive() bool { return bool(p) }

func newDeps(t *testing.T, client syncer.Client) Deps {
	t.Helper()
	d, _ := newDepsWithDB(t, client)
	return d
}

func newDepsWithDB(t *testing.T, client syncer.Client) (Deps, *sql.DB) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clock := quartz.NewMock(t)
	clock.Set(now)
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	q := queue.New(database)
	agent := syncer.New(q, database, client, syncer.Options{Clock: clock, Logger: logger})
	t.Cleanup(agent.Close)

	return Deps{
		Queue:    q,
		Agent:    agent,
		Clock:    clock,
		Logger:   logger,
		Presence: presence(true),
		Location: time.UTC,
	}, database
}

func enqueue(t *testing.T, d Deps, title, url string, start time.Time, spent time.Duration) {
	t.Helper()
	r, err := activity.Start(title, activity.StringPtr(url), nil, nil, start).Finalize(start.Add(spent))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if _, err := d.Queue.Append(context.Background(), r); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestStats_CountsTodayOnly(t *testing.T) {
	d := newDeps(t, stubClient{})

	enqueue(t, d, "yesterday", "https://a.example", now.Add(-24*time.Hour), 10*time.Minute)
	enqueue(t, d, "morning", "https://b.example", now.Add(-6*time.Hour), 90*time.Second)
	enqueue(t, d, "lunch", "https://c.example", now.Add(-3*time.Hour), 150*time.Second)

	out, err := Stats(context.Background(), d)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	if out.TotalActivitiesToday != 2 {
		t.Errorf("TotalActivitiesToday = %d, want 2", out.TotalActivitiesToday)
	}
	if out.TotalTimeToday != 4 {
		t.Errorf("TotalTimeToday = %d, want 4", out.TotalTimeToday)
	}
	if out.PendingSync != 3 {
		t.Errorf("PendingSync = %d, want 3", out.PendingSync)
	}
	if out.LastSync != nil {
		t.Errorf("LastSync = %v, want nil", out.LastSync)
	}
	if !out.IsActive {
		t.Error("IsActive = false, want true")
	}
}

func TestStats_UsesLocalCalendarDay(t *testing.T) {
	d := newDeps(t, stubClient{})
	d.Clock.(*quartz.Mock).Set(time.Date(2026, 5, 5, 1, 0, 0, 0, time.UTC))

	// 23:30 UTC on May 4 is 01:30 on May 5 at UTC+2
	enqueue(t, d, "late", "https://a.example", time.Date(2026, 5, 4, 23, 30, 0, 0, time.UTC), time.Minute)

	out, err := Stats(context.Background(), d)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if out.TotalActivitiesToday != 0 {
		t.Errorf("UTC: TotalActivitiesToday = %d, want 0", out.TotalActivitiesToday)
	}

	d.Location = time.FixedZone("UTC+2", 2*60*60)
	out, err = Stats(context.Background(), d)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if out.TotalActivitiesToday != 1 {
		t.Errorf("UTC+2: TotalActivitiesToday = %d, want 1", out.TotalActivitiesToday)
	}
}

func TestStats_NoPresence(t *testing.T) {
	d := newDeps(t, stubClient{})
	d.Presence = nil

	out, err := Stats(context.Background(), d)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if out.IsActive {
		t.Error("IsActive = true without a recorder")
	}
}

func TestRecent_NewestFirstWithDefaultLimit(t *testing.T) {
	d := newDeps(t, stubClient{})
	for i := 0; i < 7; i++ {
		enqueue(t, d, string(rune('a'+i)), "https://example.com", now.Add(time.Duration(i-7)*time.Hour), 3*time.Minute)
	}

	out, err := Recent(context.Background(), d, RecentInput{})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}

	if len(out.Activities) != DefaultRecentLimit {
		t.Fatalf("len(Activities) = %d, want %d", len(out.Activities), DefaultRecentLimit)
	}
	first := out.Activities[0]
	if first.Title != "g" {
		t.Errorf("first Title = %q, want %q", first.Title, "g")
	}
	if first.TimeSpent != 3 {
		t.Errorf("TimeSpent = %d, want 3", first.TimeSpent)
	}
	if first.Timestamp != "2:00PM" {
		t.Errorf("Timestamp = %q, want %q", first.Timestamp, "2:00PM")
	}
	if !strings.HasSuffix(first.Ago, "ago") {
		t.Errorf("Ago = %q, want relative past time", first.Ago)
	}
	if first.ID == "" {
		t.Error("ID is empty")
	}
	if out.Activities[4].Title != "c" {
		t.Errorf("last Title = %q, want %q", out.Activities[4].Title, "c")
	}
}

func TestRecent_LimitBounds(t *testing.T) {
	d := newDeps(t, stubClient{})
	for i := 0; i < 3; i++ {
		enqueue(t, d, "x", "https://example.com", now.Add(-time.Hour), time.Minute)
	}

	out, err := Recent(context.Background(), d, RecentInput{Limit: 1000})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(out.Activities) != 3 {
		t.Errorf("len(Activities) = %d, want 3", len(out.Activities))
	}

	out, err = Recent(context.Background(), d, RecentInput{Limit: 2})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(out.Activities) != 2 {
		t.Errorf("len(Activities) = %d, want 2", len(out.Activities))
	}
}

func TestRecent_Empty(t *testing.T) {
	d := newDeps(t, stubClient{})

	out, err := Recent(context.Background(), d, RecentInput{})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if out.Activities == nil || len(out.Activities) != 0 {
		t.Errorf("Activities = %v, want empty slice", out.Activities)
	}
}

func TestClear_ResetsEverything(t *testing.T) {
	ctx := context.Background()
	d := newDeps(t, stubClient{err: errors.NewTransientNetwork(stderrors.New("offline"))})
	for i := 0; i < 5; i++ {
		enqueue(t, d, "r", "https://example.com", now.Add(-time.Hour), time.Minute)
	}
	SyncNow(ctx, d)
	if d.Agent.State().ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", d.Agent.State().ConsecutiveFailures)
	}

	out, err := Clear(ctx, d)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if !out.Success || out.Removed != 5 {
		t.Errorf("Clear = %+v, want success with 5 removed", out)
	}
	if out.Message != "Deleted 5 unsynced activities" {
		t.Errorf("Message = %q", out.Message)
	}

	n, err := d.Queue.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if st := d.Agent.State(); st.ConsecutiveFailures != 0 || st.LastSync != nil {
		t.Errorf("State = %+v, want initial", st)
	}
	if d.Agent.RetryPending() {
		t.Error("retry still pending after clear")
	}
}

func TestClear_FailedResetKeepsQueue(t *testing.T) {
	ctx := context.Background()
	d, database := newDepsWithDB(t, stubClient{})
	enqueue(t, d, "kept", "https://example.com", now.Add(-time.Hour), time.Minute)

	if _, err := database.ExecContext(ctx, "DROP TABLE kv"); err != nil {
		t.Fatalf("drop kv: %v", err)
	}

	if _, err := Clear(ctx, d); !errors.Is(err, errors.ErrPersistence) {
		t.Fatalf("Clear error = %v, want PERSISTENCE", err)
	}

	n, err := d.Queue.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestStats_SeesSyncStateFromOtherProcess(t *testing.T) {
	ctx := context.Background()
	d, database := newDepsWithDB(t, stubClient{})

	if err := db.SetInt(ctx, database, db.KeySyncFailures, 2); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}
	if err := db.SetTime(ctx, database, db.KeyLastSync, now.Add(-time.Hour)); err != nil {
		t.Fatalf("SetTime failed: %v", err)
	}

	out, err := Stats(ctx, d)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if out.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", out.ConsecutiveFailures)
	}
	if out.LastSync == nil || !out.LastSync.Equal(now.Add(-time.Hour)) {
		t.Errorf("LastSync = %v, want %v", out.LastSync, now.Add(-time.Hour))
	}
}

func TestClearMessage(t *testing.T) {
	tests := map[int]string{
		0: "No unsynced activities; sync state reset",
		1: "Deleted 1 unsynced activity",
		3: "Deleted 3 unsynced activities",
	}
	for n, want := range tests {
		if got := formatClearMessage(n); got != want {
			t.Errorf("formatClearMessage(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestSyncNow(t *testing.T) {
	ctx := context.Background()

	d := newDeps(t, stubClient{})
	enqueue(t, d, "a", "https://example.com", now.Add(-time.Hour), time.Minute)
	out := SyncNow(ctx, d)
	if !out.Success || out.Synced != 1 || out.Error != "" {
		t.Errorf("SyncNow = %+v, want success with 1 synced", out)
	}

	failing := newDeps(t, stubClient{err: errors.NewTransientStatus(503)})
	enqueue(t, failing, "a", "https://example.com", now.Add(-time.Hour), time.Minute)
	out = SyncNow(ctx, failing)
	if out.Success {
		t.Error("Success = true, want false")
	}
	if !strings.Contains(out.Error, "503") {
		t.Errorf("Error = %q, want status in message", out.Error)
	}
	if out.RetryIn != "30s" {
		t.Errorf("RetryIn = %q, want %q", out.RetryIn, "30s")
	}
}

func TestReport(t *testing.T) {
	d := newDeps(t, stubClient{})
	enqueue(t, d, "Go docs", "https://go.dev/doc", now.Add(-5*time.Hour), 20*time.Minute)
	enqueue(t, d, "Go blog", "https://go.dev/blog", now.Add(-4*time.Hour), 10*time.Minute)
	enqueue(t, d, "news_[1]", "https://news.example/item", now.Add(-2*time.Hour), 5*time.Minute)
	enqueue(t, d, "old", "https://old.example", now.Add(-48*time.Hour), 5*time.Minute)

	out, err := Report(context.Background(), d)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if out.Activities != 3 || out.Minutes != 35 {
		t.Errorf("Activities = %d, Minutes = %d, want 3 and 35", out.Activities, out.Minutes)
	}
	if out.Date != "2026-05-04" {
		t.Errorf("Date = %q", out.Date)
	}

	for _, want := range []string{
		"# Activity on Monday, May 4, 2026",
		"3 activities, 35 minutes tracked today. 4 pending sync. Never synced.",
		"- **go.dev**: 30 minutes (2 visits)",
		"- **news.example**: 5 minutes (1 visit)",
		"[Go docs](<https://go.dev/doc>)",
		`news\_\[1\]`,
	} {
		if !strings.Contains(out.Markdown, want) {
			t.Errorf("Markdown missing %q:\n%s", want, out.Markdown)
		}
	}
	if strings.Contains(out.Markdown, "old.example") {
		t.Error("Markdown includes an activity from another day")
	}
	if strings.Index(out.Markdown, "go.dev") > strings.Index(out.Markdown, "news.example") {
		t.Error("top sites not ordered by time spent")
	}
}

func TestReport_Empty(t *testing.T) {
	out, err := Report(context.Background(), newDeps(t, stubClient{}))
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if !strings.Contains(out.Markdown, "Nothing tracked yet today.") {
		t.Errorf("Markdown = %q", out.Markdown)
	}
}

func TestOps_PersistenceErrors(t *testing.T) {
	d := newDeps(t, stubClient{})
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	database.Close()
	d.Queue = queue.New(database)

	if _, err := Stats(context.Background(), d); !errors.Is(err, errors.ErrPersistence) {
		t.Errorf("Stats error = %v, want PERSISTENCE", err)
	}
	if _, err := Recent(context.Background(), d, RecentInput{}); !errors.Is(err, errors.ErrPersistence) {
		t.Errorf("Recent error = %v, want PERSISTENCE", err)
	}
	if _, err := Clear(context.Background(), d); !errors.Is(err, errors.ErrPersistence) {
		t.Errorf("Clear error = %v, want PERSISTENCE", err)
	}
}
