package templates

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/a-h/templ"

	"github.com/darshan-rambhia/petrowatch/internal/status"
)

// StatusView is the data behind the public status page. It carries no
// tenant data.
type StatusView struct {
	Version     string
	Status      status.Snapshot
	Subscribers int
	Stale       time.Duration
	Now         time.Time
}

const pageStyle = `body{font-family:system-ui,sans-serif;margin:2rem;color:#1f2933}
table{border-collapse:collapse}td,th{padding:.3rem .8rem;text-align:left;border-bottom:1px solid #e4e7eb}
.status-ok{color:#199473}.status-warning{color:#cb6e17}.status-critical{color:#ba2525}`

// StatusPage renders the process status page.
func StatusPage(v StatusView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &printer{w: w}
		p.printf(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>PetroWatch</title><style>%s</style></head><body>`, pageStyle)
		p.printf(`<h1>PetroWatch <small>%s</small></h1>`, templ.EscapeString(v.Version))
		p.printf(`<p>Store <strong>%s</strong>: <span class="%s">%s</span></p>`,
			templ.EscapeString(v.Status.Backend), ReadyClass(v.Status.Ready), ReadyLabel(v.Status.Ready))
		if v.Status.LastError != "" {
			p.printf(`<p class="status-critical">%s</p>`, templ.EscapeString(v.Status.LastError))
		}
		p.printf(`<p>Live subscribers: %d</p>`, v.Subscribers)
		p.printf(`<h2>Background loops</h2><table><tr><th>Loop</th><th>Last run</th><th>Age</th></tr>`)
		for _, run := range SortedRuns(v.Status.LastRun) {
			p.printf(`<tr class="%s"><td>%s</td><td>%s</td><td>%s</td></tr>`,
				RunClass(run.At, v.Now, v.Stale), templ.EscapeString(run.Name), FormatTime(run.At), FormatAge(run.At, v.Now))
		}
		p.printf(`</table><p>Oldest loop: %s</p>`, OldestRun(v.Status.LastRun, v.Now))
		p.printf(`<p><a href="/swagger/index.html">API documentation</a></p></body></html>`)
		return p.err
	})
}

// printer keeps the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
