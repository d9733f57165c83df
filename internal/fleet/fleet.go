package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/address"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"github.com/rileyhilliard/keyfleet/internal/session"
)

// MaxParallel is the hard cap on concurrent sessions.
const MaxParallel = 20

// Runner provisions one target. *session.Driver is the production Runner.
type Runner interface {
	Run(ctx context.Context, target address.Target) session.Outcome
}

// Observer receives per-target progress. Calls come from worker goroutines,
// so implementations must be safe for concurrent use.
type Observer interface {
	TargetStarted(target address.Target)
	TargetFinished(outcome session.Outcome)
}

// Config holds configuration for a fleet run.
type Config struct {
	MaxParallel int // Max concurrent sessions (0 or >20 = 20)
	RunID       string
	Observer    Observer
}

// Report is the aggregate result of a fleet run.
type Report struct {
	RunID     string
	Outcomes  []session.Outcome // completion order, one per target
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Success returns true if every target succeeded.
func (r *Report) Success() bool {
	return r.Failed == 0
}

// Orchestrator fans targets out to a bounded pool of workers.
type Orchestrator struct {
	runner Runner
	config Config
	log    *clog.Logger
}

// New creates an orchestrator.
func New(runner Runner, cfg Config, log *clog.Logger) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		config: cfg,
		log:    logger.OrNoop(log),
	}
}

// Workers returns the pool size used for n targets.
func (o *Orchestrator) Workers(n int) int {
	workers := o.config.MaxParallel
	if workers <= 0 || workers > MaxParallel {
		workers = MaxParallel
	}
	if workers > n {
		workers = n
	}
	return workers
}

// Run provisions every target and returns one outcome per target, in the
// order sessions finished. Failures never stop other targets. When ctx is
// cancelled, in-flight sessions wind down and targets that never started are
// reported Failed as skipped.
func (o *Orchestrator) Run(ctx context.Context, targets []address.Target) *Report {
	report := &Report{
		RunID:    o.config.RunID,
		Outcomes: make([]session.Outcome, 0, len(targets)),
	}
	if len(targets) == 0 {
		return report
	}

	startTime := time.Now()

	// Target queue (channel-based work stealing)
	queue := make(chan address.Target, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	numWorkers := o.Workers(len(targets))
	o.log.Info("starting fleet run", "targets", len(targets), "workers", numWorkers)

	resultChan := make(chan session.Outcome, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx, queue, resultChan)
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Sole reader of resultChan.
	for outcome := range resultChan {
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Success() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	report.Duration = time.Since(startTime)
	o.log.Info("fleet run finished",
		"succeeded", report.Succeeded, "failed", report.Failed, "duration", report.Duration)
	return report
}

// worker pulls targets until the queue is drained. After cancellation it
// keeps draining, but only to record skipped targets.
func (o *Orchestrator) worker(ctx context.Context, queue <-chan address.Target, resultChan chan<- session.Outcome) {
	for target := range queue {
		if err := ctx.Err(); err != nil {
			skipped := session.Outcome{
				Target: target,
				Status: session.Failed,
				Detail: "skipped: " + err.Error(),
			}
			if o.config.Observer != nil {
				o.config.Observer.TargetFinished(skipped)
			}
			resultChan <- skipped
			continue
		}

		if o.config.Observer != nil {
			o.config.Observer.TargetStarted(target)
		}
		outcome := o.runOne(ctx, target)
		if o.config.Observer != nil {
			o.config.Observer.TargetFinished(outcome)
		}
		resultChan <- outcome
	}
}

// runOne guards against Runners that panic, so one bad target can't take
// the pool down.
func (o *Orchestrator) runOne(ctx context.Context, target address.Target) (outcome session.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("runner panicked", "target", target.String(), "panic", p)
			outcome = session.Outcome{
				Target: target,
				Status: session.Failed,
				Detail: "internal error: panic during session",
			}
		}
	}()
	return o.runner.Run(ctx, target)
}
