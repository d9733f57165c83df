package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the config file picked up from the working directory.
	ConfigFileName = ".keyfleet.yaml"
	// EnvPrefix namespaces environment overrides, e.g. KEYFLEET_WORKERS.
	EnvPrefix = "KEYFLEET"
)

// SetDefaults registers every key with its default so that environment
// variables are honoured by Unmarshal even when no flag or file sets them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("rhost", "")
	v.SetDefault("rhost_file", "")
	v.SetDefault("nonroot_user", "")
	v.SetDefault("login_user", d.LoginUser)
	v.SetDefault("ssh_pubkey", "")
	v.SetDefault("ssh_new_key", d.SSHNewKey)
	v.SetDefault("native_keygen", d.NativeKeygen)
	v.SetDefault("port", d.Port)
	v.SetDefault("timeout", d.Timeout.String())
	v.SetDefault("command_timeout", d.CommandTimeout.String())
	v.SetDefault("host_key_policy", d.HostKeyPolicy)
	v.SetDefault("known_hosts", d.KnownHosts)
	v.SetDefault("ssh_config", d.SSHConfig)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("format", d.Format)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("no_log_file", d.NoLogFile)
	v.SetDefault("log_keep_runs", d.LogKeepRuns)
	v.SetDefault("log_keep_days", d.LogKeepDays)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("no_color", d.NoColor)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("dry_run", d.DryRun)
}

// Find locates the config file:
// 1. Explicit path (from --config flag)
// 2. .keyfleet.yaml in the current directory
//
// Returns "" when there is none; a config file is optional.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine current directory",
			"Check directory permissions")
	}
	local := filepath.Join(cwd, ConfigFileName)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	return "", nil
}

// Load merges path (if any) and KEYFLEET_* variables into v and decodes the
// result. Flags should already be bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.WrapWithCode(err, errors.ErrConfig,
					"Config file not found",
					"Specify an existing file with --config, or drop the flag")
			}
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Failed to read config file",
				"Check the file exists and is valid YAML")
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax and value types in "+describe(path))
	}

	cfg.RHostFile = ExpandPath(cfg.RHostFile)
	cfg.SSHPubkey = ExpandPath(cfg.SSHPubkey)
	cfg.SSHNewKey = ExpandPath(cfg.SSHNewKey)
	cfg.KnownHosts = ExpandPath(cfg.KnownHosts)
	cfg.SSHConfig = ExpandPath(cfg.SSHConfig)
	cfg.LogDir = ExpandPath(cfg.LogDir)

	return cfg, nil
}

func describe(path string) string {
	if path == "" {
		return "your flags and KEYFLEET_* variables"
	}
	return path
}
