package cli

import (
	"fmt"
	"strings"

	"github.com/rileyhilliard/keyfleet/internal/config"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/report"
	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// addRunFlags registers every run setting on cmd. Names match the config
// keys so viper can bind them one to one.
func addRunFlags(cmd *cobra.Command) {
	d := config.DefaultConfig()
	f := cmd.Flags()

	f.String("rhost", "", "single target IPv4 address")
	f.String("rhost_file", "", "file with one target IPv4 address per line")
	f.String("nonroot_user", "", "account to create or update on every target")
	f.String("login_user", d.LoginUser, "account used to log in with a password")
	f.String("ssh_pubkey", "", "public key to install (\".pub\" is appended when missing)")
	f.String("ssh_new_key", d.SSHNewKey, "where to generate a new key pair when --ssh_pubkey is not set")
	f.Bool("native_keygen", d.NativeKeygen, "generate an ed25519 key in-process instead of running ssh-keygen")

	f.Int("port", d.Port, "SSH port (0 = from ~/.ssh/config, else 22)")
	f.Duration("timeout", d.Timeout, "connect, handshake and auth timeout per target")
	f.Duration("command_timeout", d.CommandTimeout, "limit for each remote command (0 = none)")
	f.Int("workers", d.Workers, fmt.Sprintf("concurrent sessions (max %d)", config.MaxWorkers))
	f.String("host_key_policy", d.HostKeyPolicy, "unknown host keys: "+joinNames(sshutil.HostKeyPolicies))
	f.String("known_hosts", d.KnownHosts, "known_hosts file used for host key checks")
	f.String("ssh_config", d.SSHConfig, "ssh_config file consulted for per-host ports")

	f.String("format", d.Format, "report format: "+joinNames(report.Formats))
	f.String("log_dir", d.LogDir, "directory for the per-run log file")
	f.Bool("no_log_file", d.NoLogFile, "don't write a per-run log file")
	f.Int("log_keep_runs", d.LogKeepRuns, "keep at most this many earlier run logs in --log_dir (0 = all)")
	f.Int("log_keep_days", d.LogKeepDays, "delete run logs older than this many days (0 = never)")
	f.Int("log_max_size_mb", d.LogMaxSizeMB, "delete the oldest run logs once --log_dir holds more than this (0 = no limit)")
	f.Bool("no_color", d.NoColor, "plain output without ANSI colors")
	f.BoolP("verbose", "v", d.Verbose, "debug logging on stderr")
	f.Bool("dry_run", d.DryRun, "print the command plan and targets, open no sessions")

	cmd.MarkFlagsMutuallyExclusive("rhost", "rhost_file")
	cmd.MarkFlagsMutuallyExclusive("ssh_pubkey", "ssh_new_key")
	cmd.MarkFlagsMutuallyExclusive("ssh_pubkey", "native_keygen")
}

// loadConfig merges the parsed flags over KEYFLEET_* variables, the config
// file and defaults, then validates the result.
func loadConfig(cmd *cobra.Command, v *viper.Viper, explicitPath string) (*config.Config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to bind flags",
			"This is a bug; please report it.")
	}

	path, err := config.Find(explicitPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func joinNames[T ~string](names []T) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, "|")
}
