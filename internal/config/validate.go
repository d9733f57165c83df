package config

import (
	"fmt"

	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/plan"
	"github.com/rileyhilliard/keyfleet/internal/report"
	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
)

// Validate checks cfg before anything touches the network or the disk.
func Validate(cfg *Config) error {
	switch {
	case cfg.RHost == "" && cfg.RHostFile == "":
		return errors.New(errors.ErrConfig,
			"No targets given",
			"Pass --rhost=<ipv4> or --rhost_file=<path>.")
	case cfg.RHost != "" && cfg.RHostFile != "":
		return errors.New(errors.ErrConfig,
			"Both --rhost and --rhost_file are set",
			"Use one or the other.")
	}

	if cfg.NonrootUser == "" {
		return errors.New(errors.ErrConfig,
			"No non-root user given",
			"Pass --nonroot_user=<name>; it's created on targets that don't have it.")
	}
	if err := plan.ValidateUsername(cfg.NonrootUser); err != nil {
		return err
	}
	if cfg.LoginUser == "" {
		return errors.New(errors.ErrConfig,
			"Login user is empty",
			"Pass --login_user or leave it unset to use root.")
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Port %d is out of range", cfg.Port),
			"Use 1-65535, or 0 to read it from ~/.ssh/config (falling back to 22).")
	}
	if cfg.Timeout <= 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Timeout must be positive, got %s", cfg.Timeout),
			"Try something like --timeout=5s.")
	}
	if cfg.CommandTimeout < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Command timeout can't be negative, got %s", cfg.CommandTimeout),
			"Use 0 for no limit, or something like --command_timeout=2m.")
	}
	if cfg.Workers < 1 || cfg.Workers > MaxWorkers {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Workers must be between 1 and %d, got %d", MaxWorkers, cfg.Workers),
			fmt.Sprintf("At most %d targets are provisioned at once.", MaxWorkers))
	}

	if cfg.LogKeepRuns < 0 || cfg.LogKeepDays < 0 || cfg.LogMaxSizeMB < 0 {
		return errors.New(errors.ErrConfig,
			"Log retention settings can't be negative",
			"Use 0 to turn a rule off.")
	}

	if _, err := sshutil.ParseHostKeyPolicy(cfg.HostKeyPolicy); err != nil {
		return err
	}
	if _, err := report.ParseFormat(cfg.Format); err != nil {
		return err
	}

	return nil
}
