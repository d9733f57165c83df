// Package session applies a provisioning plan to one target over one SSH
// connection.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/address"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"github.com/rileyhilliard/keyfleet/internal/plan"
	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
)

// Status is the terminal state of a session.
type Status string

const (
	Succeeded Status = "Succeeded"
	Failed    Status = "Failed"
)

// maxDetail bounds how much remote stderr is kept in an Outcome.
const maxDetail = 512

// Outcome is the result of provisioning one target.
type Outcome struct {
	Target     address.Target
	Status     Status
	Detail     string        // why it failed; empty on success
	FailedStep plan.StepName // empty when the failure was connect/auth
	StepsRun   int           // remote commands actually executed
	Duration   time.Duration
}

// Success returns true if every step went through.
func (o Outcome) Success() bool {
	return o.Status == Succeeded
}

// Driver runs the plan against targets. One Driver is shared by all workers;
// each Run owns its own connection.
type Driver struct {
	Connector sshutil.Connector
	Plan      *plan.Plan
	Logger    *clog.Logger
	// CommandTimeout bounds each remote command (0 = no limit).
	CommandTimeout time.Duration
}

// Run provisions target and always returns an Outcome; it never panics and
// never returns an error. Steps applied before a failure are not rolled back.
func (d *Driver) Run(ctx context.Context, target address.Target) (out Outcome) {
	start := time.Now()
	r := &run{
		driver:  d,
		log:     logger.OrNoop(d.Logger).With("target", target.String()),
		outcome: Outcome{Target: target},
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session panicked", "panic", p, "stack", string(debug.Stack()))
			r.fail(r.current, fmt.Sprintf("internal error: %v", p))
		}
		if r.client != nil {
			if err := r.client.Close(); err != nil {
				r.log.Debug("closing ssh connection", "error", err)
			}
		}

		out = r.outcome
		out.Duration = time.Since(start)
		if out.Success() {
			r.log.Info("target provisioned", "steps", out.StepsRun, "duration", out.Duration)
		} else {
			r.log.Warn("target failed",
				"step", string(out.FailedStep), "detail", out.Detail, "duration", out.Duration)
		}
	}()

	for state := r.connect; state != nil; {
		state = state(ctx)
	}
	return r.outcome
}

// stateFn is one state of the session; it returns the next one, or nil when
// the session reached Succeeded or Failed.
type stateFn func(ctx context.Context) stateFn

type run struct {
	driver  *Driver
	log     *clog.Logger
	client  sshutil.SSHClient
	outcome Outcome

	next        int           // index of the next plan step
	current     plan.StepName // step being executed, for failure attribution
	userMissing bool          // set by the probe step
}

func (r *run) connect(ctx context.Context) stateFn {
	if err := ctx.Err(); err != nil {
		return r.fail("", "cancelled before connecting: "+err.Error())
	}

	host := r.outcome.Target.String()
	client, err := r.driver.Connector.Connect(ctx, host)
	if err != nil {
		return r.fail("", describe(err))
	}
	r.client = client
	r.log.Debug("connected", "address", client.GetAddress())
	return r.step
}

func (r *run) step(ctx context.Context) stateFn {
	p := r.driver.Plan
	if r.next >= p.Len() {
		return r.succeed
	}
	s := p.Step(r.next)
	r.next++
	r.current = s.Name

	if err := ctx.Err(); err != nil {
		return r.fail(s.Name, "cancelled: "+err.Error())
	}
	if s.Guard == plan.IfUserMissing && !r.userMissing {
		r.log.Debug("step skipped", "step", string(s.Name), "reason", "user exists")
		return r.step
	}

	_, stderr, code, err := r.exec(ctx, s.Command)
	r.outcome.StepsRun++

	if s.Probe {
		r.userMissing = err != nil || code != 0
		r.log.Debug("probe finished", "step", string(s.Name), "user_missing", r.userMissing)
		return r.step
	}

	var detail string
	switch {
	case err != nil:
		detail = describe(err)
	case code != 0:
		detail = fmt.Sprintf("exit status %d", code)
		if msg := trimDetail(stderr); msg != "" {
			detail += ": " + msg
		}
	default:
		r.log.Debug("step ok", "step", string(s.Name))
		return r.step
	}

	if !s.Fatal {
		r.log.Warn("step failed, continuing", "step", string(s.Name), "detail", detail)
		return r.step
	}
	return r.fail(s.Name, detail)
}

func (r *run) exec(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	if r.driver.CommandTimeout <= 0 {
		return r.client.ExecContext(ctx, cmd)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.driver.CommandTimeout)
	defer cancel()

	stdout, stderr, code, err := r.client.ExecContext(execCtx, cmd)
	if err != nil && ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("command timed out after %s", r.driver.CommandTimeout)
	}
	return stdout, stderr, code, err
}

func (r *run) succeed(context.Context) stateFn {
	r.outcome.Status = Succeeded
	r.outcome.Detail = ""
	r.outcome.FailedStep = ""
	return nil
}

func (r *run) fail(step plan.StepName, detail string) stateFn {
	r.outcome.Status = Failed
	r.outcome.FailedStep = step
	r.outcome.Detail = detail
	return nil
}

// describe renders err on one line, preferring the structured form.
func describe(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Brief()
	}
	return err.Error()
}

func trimDetail(stderr []byte) string {
	s := strings.Join(strings.Fields(string(stderr)), " ")
	if len(s) > maxDetail {
		s = s[:maxDetail] + "..."
	}
	return s
}
