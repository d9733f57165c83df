// Package ui provides terminal styling for keyfleet's human-facing output:
// the live per-target progress lines and the text report.
//
// Colors are ANSI codes (ColorSuccess green, ColorError red, ColorWarning
// yellow, ColorMuted gray). Styles are built per writer with NewStyles, so
// output piped to a file or buffer comes out uncolored. Use NewRenderer
// rather than lipgloss.NewRenderer so DisableColors (--no_color) applies.
//
//	p := ui.NewTargetProgress(os.Stderr, len(targets))
//	p.Finished("10.0.0.1", true, "", 1200*time.Millisecond)
//	// [1/3] ✓ 10.0.0.1 (1.2s)
package ui
