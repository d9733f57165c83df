package config

import "time"

// MaxWorkers is the hard cap on concurrent sessions.
const MaxWorkers = 20

// Config is one run's settings, merged from flags, KEYFLEET_* environment
// variables, an optional .keyfleet.yaml and defaults, in that precedence.
type Config struct {
	// Targets: exactly one of these is set.
	RHost     string `yaml:"rhost" mapstructure:"rhost"`
	RHostFile string `yaml:"rhost_file" mapstructure:"rhost_file"`

	// NonrootUser is the account created or updated on every target.
	NonrootUser string `yaml:"nonroot_user" mapstructure:"nonroot_user"`
	// LoginUser authenticates with a password to apply the plan.
	LoginUser string `yaml:"login_user" mapstructure:"login_user"`

	// Key material: SSHPubkey names an existing key; otherwise a new pair
	// is generated at SSHNewKey.
	SSHPubkey    string `yaml:"ssh_pubkey" mapstructure:"ssh_pubkey"`
	SSHNewKey    string `yaml:"ssh_new_key" mapstructure:"ssh_new_key"`
	NativeKeygen bool   `yaml:"native_keygen" mapstructure:"native_keygen"`

	// Transport.
	Port           int           `yaml:"port" mapstructure:"port"` // 0 = ~/.ssh/config or 22
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
	HostKeyPolicy  string        `yaml:"host_key_policy" mapstructure:"host_key_policy"`
	KnownHosts     string        `yaml:"known_hosts" mapstructure:"known_hosts"`
	SSHConfig      string        `yaml:"ssh_config" mapstructure:"ssh_config"`

	Workers int `yaml:"workers" mapstructure:"workers"`

	// Output.
	Format    string `yaml:"format" mapstructure:"format"`
	LogDir    string `yaml:"log_dir" mapstructure:"log_dir"`
	NoLogFile bool   `yaml:"no_log_file" mapstructure:"no_log_file"`
	NoColor   bool   `yaml:"no_color" mapstructure:"no_color"`
	Verbose   bool   `yaml:"verbose" mapstructure:"verbose"`
	DryRun    bool   `yaml:"dry_run" mapstructure:"dry_run"`

	// Retention for earlier run logs in LogDir; 0 disables a rule.
	LogKeepRuns  int `yaml:"log_keep_runs" mapstructure:"log_keep_runs"`
	LogKeepDays  int `yaml:"log_keep_days" mapstructure:"log_keep_days"`
	LogMaxSizeMB int `yaml:"log_max_size_mb" mapstructure:"log_max_size_mb"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LoginUser:      "root",
		SSHNewKey:      "./id_rsa",
		Timeout:        5 * time.Second,
		CommandTimeout: 2 * time.Minute,
		HostKeyPolicy:  "warn",
		KnownHosts:     "~/.ssh/known_hosts",
		SSHConfig:      "~/.ssh/config",
		Workers:        MaxWorkers,
		Format:         "json",
		LogDir:         ".",
	}
}
