package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/address"
	"github.com/rileyhilliard/keyfleet/internal/config"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/fleet"
	"github.com/rileyhilliard/keyfleet/internal/keys"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"github.com/rileyhilliard/keyfleet/internal/plan"
	"github.com/rileyhilliard/keyfleet/internal/report"
	"github.com/rileyhilliard/keyfleet/internal/session"
	"github.com/rileyhilliard/keyfleet/internal/ui"
	"github.com/rileyhilliard/keyfleet/internal/util"
	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
)

// provision runs one pass over the fleet described by cfg. It returns an
// ExitError when the run completed but some targets failed, and a plain
// error when the run could not start.
func provision(ctx context.Context, cfg *config.Config, deps Deps) error {
	runID := deps.NewRunID()
	if cfg.NoColor {
		ui.DisableColors()
	}
	showProgress := !cfg.Verbose && !cfg.DryRun && deps.IsTerminal()

	logDir := cfg.LogDir
	if cfg.NoLogFile {
		logDir = ""
	}
	retention := logger.Retention{
		KeepRuns:  cfg.LogKeepRuns,
		KeepDays:  cfg.LogKeepDays,
		MaxSizeMB: cfg.LogMaxSizeMB,
	}
	pruned, err := logger.Cleanup(logDir, retention, time.Now())
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Options{
		Verbose: cfg.Verbose,
		Quiet:   showProgress,
		Dir:     logDir,
		RunID:   runID,
		Stderr:  deps.Stderr,
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Can't open the log file",
			"Check --log_dir is a writable directory, or pass --no_log_file.")
	}
	defer func() {
		if cerr := closeLog(); cerr != nil {
			fmt.Fprintf(deps.Stderr, "failed to close log file: %v\n", cerr)
		}
	}()

	if len(pruned) > 0 {
		log.Debug("removed old run logs", "dir", logDir, "count", len(pruned))
	}

	format, err := report.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	targets, err := loadTargets(cfg, log)
	if err != nil {
		return err
	}

	pubKey, err := resolvePublicKey(ctx, cfg, deps, log)
	if err != nil {
		return err
	}

	p, err := plan.Build(cfg.NonrootUser, pubKey)
	if err != nil {
		return err
	}
	log.Info("command plan ready",
		"user", p.User(), "steps", p.Len(), "fingerprint", p.Fingerprint(), "targets", len(targets))

	if cfg.DryRun {
		return writeDryRun(deps.Stdout, runID, p, targets)
	}

	if len(targets) == 0 {
		log.Warn("no valid targets, nothing to provision")
		return report.Write(deps.Stdout, &fleet.Report{RunID: runID}, format)
	}

	password, err := deps.Password(cfg.LoginUser)
	if err != nil {
		return err
	}

	policy, err := sshutil.ParseHostKeyPolicy(cfg.HostKeyPolicy)
	if err != nil {
		return err
	}
	connector, err := deps.NewConnector(
		sshutil.Credentials{User: cfg.LoginUser, Password: password},
		sshutil.DialOptions{
			Port:           cfg.Port,
			Timeout:        cfg.Timeout,
			HostKeyPolicy:  policy,
			KnownHostsPath: cfg.KnownHosts,
			SSHConfigPath:  cfg.SSHConfig,
			Logger:         log,
		})
	if err != nil {
		return err
	}

	driver := &session.Driver{
		Connector:      connector,
		Plan:           p,
		Logger:         log,
		CommandTimeout: cfg.CommandTimeout,
	}

	fleetCfg := fleet.Config{MaxParallel: cfg.Workers, RunID: runID}
	if showProgress {
		progress := ui.NewTargetProgress(deps.Stderr, len(targets))
		progress.ShowStarts = len(targets) <= cfg.Workers
		fleetCfg.Observer = progressObserver{progress}
	}

	rep := fleet.New(driver, fleetCfg, log).Run(ctx, targets)

	if showProgress {
		styles := ui.NewStyles(ui.NewRenderer(deps.Stderr))
		fmt.Fprintln(deps.Stderr)
		fmt.Fprintln(deps.Stderr, ui.RenderFleetSummary(styles, rep.Succeeded, rep.Failed, rep.Duration))
	}

	if err := report.Write(deps.Stdout, rep, format); err != nil {
		return err
	}
	if !rep.Success() {
		return errors.NewExitError(ExitTargetsFailed)
	}
	return nil
}

func loadTargets(cfg *config.Config, log *clog.Logger) ([]address.Target, error) {
	if cfg.RHost != "" {
		t, err := address.FromSingle(cfg.RHost)
		if err != nil {
			return nil, err
		}
		return []address.Target{t}, nil
	}

	targets, err := address.FromFile(cfg.RHostFile, log)
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// resolvePublicKey reads --ssh_pubkey or generates a new pair. A dry run
// never writes key material, so it needs an existing key.
func resolvePublicKey(ctx context.Context, cfg *config.Config, deps Deps, log *clog.Logger) (string, error) {
	if cfg.DryRun && cfg.SSHPubkey == "" {
		return "", errors.New(errors.ErrConfig,
			"--dry_run needs an existing key",
			"Pass --ssh_pubkey=<path>; a dry run never generates key files.")
	}
	return keys.Prepare(ctx, cfg.SSHPubkey, cfg.SSHNewKey, deps.Generator(cfg.NativeKeygen), log)
}

func writeDryRun(w io.Writer, runID string, p *plan.Plan, targets []address.Target) error {
	if _, err := fmt.Fprintf(w, "run %s\nuser %s, plan %s, %d %s\n\n",
		runID, p.User(), p.Fingerprint(), len(targets), util.Pluralize(len(targets), "target", "targets")); err != nil {
		return err
	}
	if _, err := io.WriteString(w, p.String()); err != nil {
		return err
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.String()
	}
	_, err := fmt.Fprintf(w, "\ntargets: %s\n", util.JoinOrNone(names))
	return err
}

// progressObserver renders fleet events as progress lines on stderr.
type progressObserver struct {
	p *ui.TargetProgress
}

func (o progressObserver) TargetStarted(t address.Target) {
	o.p.Started(t.String())
}

func (o progressObserver) TargetFinished(out session.Outcome) {
	detail := out.Detail
	if out.FailedStep != "" {
		detail = string(out.FailedStep) + ": " + detail
	}
	o.p.Finished(out.Target.String(), out.Success(), detail, out.Duration)
}
