package journal

import (
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// whereClause renders f as SQL. placeholder(n) returns the n-th (1-based)
// bind marker for the dialect; tm converts times to the stored form.
func whereClause(f Filter, placeholder func(n int) string, tm func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if f.Session != "" {
		conds = append(conds, "session_id = "+bind(f.Session))
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = bind(string(t))
		}
		conds = append(conds, fmt.Sprintf("type IN (%s)", strings.Join(marks, ", ")))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "time >= "+bind(tm(f.Since)))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "time < "+bind(tm(f.Until)))
	}

	q := ""
	if len(conds) > 0 {
		q = " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY session_id ASC, seq ASC"
	if f.Limit > 0 {
		q += " LIMIT " + bind(f.Limit)
	}
	return q, args
}
