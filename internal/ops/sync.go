package ops

import (
	"context"
	"time"
)

// SyncOutput is the result of an on-demand sync.
type SyncOutput struct {
	Success bool   `json:"success"`
	Synced  int    `json:"synced"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	// RetryIn is set when a retry was scheduled, e.g. "30s".
	RetryIn string `json:"retryIn,omitempty"`
}

// SyncNow runs an on-demand sync and reports its outcome. Sync failures are
// part of the output, not an error.
func SyncNow(ctx context.Context, d Deps) *SyncOutput {
	res := d.Agent.SyncNow(ctx)

	out := &SyncOutput{
		Success: res.Success,
		Synced:  res.Synced,
		Error:   res.Error,
		Skipped: res.Skipped,
	}
	if res.RetryIn > 0 {
		out.RetryIn = res.RetryIn.Round(time.Second).String()
	}
	return out
}
