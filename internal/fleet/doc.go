// Package fleet runs a session against every target with bounded
// concurrency and gathers the outcomes into a Report.
//
// The orchestrator fills a buffered queue with all targets, starts
// min(MaxParallel, len(targets)) workers that pull from it, and collects
// outcomes from a result channel until every worker exits:
//
//	o := fleet.New(driver, fleet.Config{MaxParallel: 20}, log)
//	report := o.Run(ctx, targets)
//
// There are no retries and a failed target never affects the others.
// len(report.Outcomes) always equals len(targets).
package fleet
