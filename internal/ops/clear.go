package ops

import (
	"context"
	"fmt"

	"cdr.dev/slog/v3"
)

// ClearOutput contains the result of the Clear operation.
type ClearOutput struct {
	Success bool   `json:"success"`
	Removed int    `json:"removed"`
	Message string `json:"message"`
}

// Clear resets the sync state and then drops every unsynced activity. It
// cannot be undone. When the reset fails the queue is left untouched.
func Clear(ctx context.Context, d Deps) (*ClearOutput, error) {
	if err := d.Agent.Reset(ctx); err != nil {
		return nil, err
	}
	removed, err := d.Queue.Clear(ctx)
	if err != nil {
		return nil, err
	}

	d.Logger.Warn(ctx, "cleared local activity data", slog.F("removed", removed))

	return &ClearOutput{
		Success: true,
		Removed: removed,
		Message: formatClearMessage(removed),
	}, nil
}

func formatClearMessage(n int) string {
	switch n {
	case 0:
		return "No unsynced activities; sync state reset"
	case 1:
		return "Deleted 1 unsynced activity"
	default:
		return fmt.Sprintf("Deleted %d unsynced activities", n)
	}
}
