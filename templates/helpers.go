// Package templates renders the HTML status page and the helpers it uses.
package templates

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"
)

// FormatPct formats a 0-100 percentage.
func FormatPct(v float64) string {
	return fmt.Sprintf("%.0f%%", v)
}

// FormatDuration formats a duration into human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatAge formats the time elapsed between at and now as "Xs", "Xm", "Xh"
// or "Xd". A zero at is "never".
func FormatAge(at, now time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", max(0, int(age.Seconds())))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
	return fmt.Sprintf("%dd", int(age.Hours()/24))
}

// FormatTime formats a timestamp in UTC.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "--"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

// ReadyClass returns a CSS class for the store readiness flag.
func ReadyClass(ready bool) string {
	if ready {
		return "status-ok"
	}
	return "status-critical"
}

// ReadyLabel returns the display label for the store readiness flag.
func ReadyLabel(ready bool) string {
	if ready {
		return "READY"
	}
	return "NOT READY"
}

// LoopRun is the last completion of one background loop.
type LoopRun struct {
	Name string
	At   time.Time
}

// SortedRuns returns the loops ordered by name.
func SortedRuns(lastRun map[string]time.Time) []LoopRun {
	names := slices.Sorted(maps.Keys(lastRun))
	out := make([]LoopRun, 0, len(names))
	for _, n := range names {
		out = append(out, LoopRun{Name: n, At: lastRun[n]})
	}
	return out
}

// OldestRun returns the age of the least recently completed loop.
func OldestRun(lastRun map[string]time.Time, now time.Time) string {
	if len(lastRun) == 0 {
		return "never"
	}
	oldest := slices.MinFunc(slices.Collect(maps.Values(lastRun)), func(a, b time.Time) int {
		return cmp.Compare(a.UnixNano(), b.UnixNano())
	})
	return FormatAge(oldest, now)
}

// RunClass flags loops that have not completed within stale.
func RunClass(at, now time.Time, stale time.Duration) string {
	if at.IsZero() || now.Sub(at) > stale {
		return "status-warning"
	}
	return "status-ok"
}
