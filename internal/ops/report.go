package ops

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewindly/agent/internal/activity"
)

// maxTopSites bounds the per-host section of the report.
const maxTopSites = 10

// ReportOutput is a markdown digest of today's unsynced activity.
type ReportOutput struct {
	Date       string `json:"date"`
	Activities int    `json:"activities"`
	Minutes    int    `json:"minutes"`
	Markdown   string `json:"markdown"`
}

type siteTotal struct {
	host    string
	seconds int
	visits  int
}

// Report builds a markdown digest of the activities started today.
func Report(ctx context.Context, d Deps) (*ReportOutput, error) {
	snap, err := d.Queue.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := d.now()
	loc := d.location()

	var (
		today   []activity.Record
		seconds int
		sites   = map[string]*siteTotal{}
	)
	for _, r := range snap.Records() {
		if !sameDay(r.TimestampStart, now, loc) {
			continue
		}
		today = append(today, r)
		seconds += r.Seconds()

		host := hostOf(r.URL)
		s, ok := sites[host]
		if !ok {
			s = &siteTotal{host: host}
			sites[host] = s
		}
		s.seconds += r.Seconds()
		s.visits++
	}
	minutes := int(math.Round(float64(seconds) / 60))

	var b strings.Builder
	fmt.Fprintf(&b, "# Activity on %s\n\n", now.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&b, "%s, %s tracked today. %d pending sync.",
		plural(len(today), "activity", "activities"),
		plural(minutes, "minute", "minutes"),
		snap.Len())

	st, err := d.Agent.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if st.LastSync != nil {
		fmt.Fprintf(&b, " Last sync %s.", humanize.RelTime(*st.LastSync, now, "ago", "from now"))
	} else {
		b.WriteString(" Never synced.")
	}
	b.WriteString("\n")

	if len(today) == 0 {
		b.WriteString("\nNothing tracked yet today.\n")
		return &ReportOutput{
			Date:     now.Format(time.DateOnly),
			Markdown: b.String(),
		}, nil
	}

	ranked := make([]*siteTotal, 0, len(sites))
	for _, s := range sites {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].seconds != ranked[j].seconds {
			return ranked[i].seconds > ranked[j].seconds
		}
		return ranked[i].host < ranked[j].host
	})
	if len(ranked) > maxTopSites {
		ranked = ranked[:maxTopSites]
	}

	b.WriteString("\n## Top sites\n\n")
	for _, s := range ranked {
		fmt.Fprintf(&b, "- **%s**: %s (%s)\n",
			escapeMarkdown(s.host),
			plural(int(math.Round(float64(s.seconds)/60)), "minute", "minutes"),
			plural(s.visits, "visit", "visits"))
	}

	b.WriteString("\n## Timeline\n\n")
	for _, r := range today {
		title := escapeMarkdown(r.Title)
		if r.URL != nil && !strings.ContainsAny(*r.URL, "<>\n") {
			title = fmt.Sprintf("[%s](<%s>)", title, *r.URL)
		}
		fmt.Fprintf(&b, "- %s %s, %s\n",
			r.TimestampStart.In(loc).Format(time.Kitchen),
			title,
			humanize.Comma(int64(math.Round(float64(r.Seconds())/60)))+" min")
	}

	return &ReportOutput{
		Date:       now.Format(time.DateOnly),
		Activities: len(today),
		Minutes:    minutes,
		Markdown:   b.String(),
	}, nil
}

func hostOf(raw *string) string {
	if raw == nil {
		return "unknown"
	}
	u, err := url.Parse(*raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return humanize.Comma(int64(n)) + " " + many
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`<`, `&lt;`,
	`#`, `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
