package ui

// Unicode symbols for status indicators.
const (
	SymbolSuccess  = "✓" // Target provisioned
	SymbolFail     = "✗" // Target failed
	SymbolPending  = "○" // Not yet started
	SymbolProgress = "◐" // Session in progress
	SymbolSkipped  = "⊘" // Never started (run cancelled)
)
