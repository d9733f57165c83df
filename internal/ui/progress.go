package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TargetProgress prints a line per target as sessions finish. Workers call
// it concurrently; output lines never interleave.
type TargetProgress struct {
	w      io.Writer
	styles Styles
	total  int
	// ShowStarts adds a muted line when each session begins.
	ShowStarts bool

	mu   sync.Mutex
	done int
}

// NewTargetProgress creates a progress printer for total targets.
func NewTargetProgress(w io.Writer, total int) *TargetProgress {
	return &TargetProgress{
		w:      w,
		styles: NewStyles(NewRenderer(w)),
		total:  total,
	}
}

// Started renders: ◐ 10.0.0.1 connecting
func (p *TargetProgress) Started(target string) {
	if !p.ShowStarts {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s %s\n",
		p.styles.Muted.Render(SymbolProgress),
		target,
		p.styles.Muted.Render("connecting"))
}

// Finished renders one of:
//
//	[3/10] ✓ 10.0.0.1 (1.2s)
//	[4/10] ✗ 10.0.0.2 install-pubkey: exit status 1 (0.4s)
func (p *TargetProgress) Finished(target string, ok bool, detail string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++

	counter := p.styles.Muted.Render(fmt.Sprintf("[%d/%d]", p.done, p.total))
	timing := p.styles.Muted.Render("(" + FormatDuration(d) + ")")

	if ok {
		fmt.Fprintf(p.w, "%s %s %s %s\n", counter, p.styles.Success.Render(SymbolSuccess), target, timing)
		return
	}
	fmt.Fprintf(p.w, "%s %s %s %s %s\n", counter, p.styles.Error.Render(SymbolFail), target,
		p.styles.Error.Render(detail), timing)
}

// Done returns how many targets have finished.
func (p *TargetProgress) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// FormatDuration renders d the way every timing in the CLI is shown.
func FormatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0.1 {
		return fmt.Sprintf("%.2fs", secs)
	}
	return fmt.Sprintf("%.1fs", secs)
}
