package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rewindly/agent/internal/ops"
)

var syncNowToolDef = mcp.NewTool("activity_sync_now",
	mcp.WithDescription("Send all unsynced activities to the collector now. "+
		"Returns the number synced, or the error and when a retry is scheduled."),
	mcp.WithDestructiveHintAnnotation(false),
)

var statsToolDef = mcp.NewTool("activity_stats",
	mcp.WithDescription("Today's activity count and minutes, pending unsynced count, "+
		"last sync time and whether the user is active."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var recentToolDef = mcp.NewTool("activity_recent",
	mcp.WithDescription("Most recent unsynced activities, newest first."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithNumber("limit",
		mcp.Description("Maximum activities to return (default 5, max 100)"),
		mcp.Min(1),
		mcp.Max(ops.MaxRecentLimit),
	),
)

var clearToolDef = mcp.NewTool("activity_clear",
	mcp.WithDescription("Irreversibly delete every unsynced activity and reset sync state."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithBoolean("confirm",
		mcp.Required(),
		mcp.Description("Must be true; guards against accidental data loss"),
	),
)

var reportToolDef = mcp.NewTool("activity_report",
	mcp.WithDescription("Markdown digest of today's unsynced activities, grouped by site."),
	mcp.WithReadOnlyHintAnnotation(true),
)
