package ui

import (
	"fmt"
	"strings"
	"time"
)

// RenderFleetSummary renders the closing line of a run, e.g.
//
//	✓ 3 succeeded  ✗ 1 failed  in 2.1s
func RenderFleetSummary(s Styles, succeeded, failed int, d time.Duration) string {
	var parts []string
	if succeeded > 0 || failed == 0 {
		parts = append(parts, s.Success.Render(fmt.Sprintf("%s %d succeeded", SymbolSuccess, succeeded)))
	}
	if failed > 0 {
		parts = append(parts, s.Error.Render(fmt.Sprintf("%s %d failed", SymbolFail, failed)))
	}
	parts = append(parts, s.Muted.Render("in "+FormatDuration(d)))
	return strings.Join(parts, "  ")
}
