package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rileyhilliard/keyfleet/internal/config"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/keys"
	"github.com/rileyhilliard/keyfleet/internal/prompt"
	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitTargetsFailed = 1
	ExitPrecondition  = 2
)

// Deps are the side-effecting collaborators of a run. Tests swap them out;
// DefaultDeps wires the real terminal, SSH and keygen.
type Deps struct {
	Stdout io.Writer
	Stderr io.Writer

	// Password returns the login password for login.
	Password func(login string) (string, error)
	// NewConnector builds the dialer shared by every session.
	NewConnector func(creds sshutil.Credentials, opts sshutil.DialOptions) (sshutil.Connector, error)
	// Generator picks the keygen used when no --ssh_pubkey is given.
	Generator func(native bool) keys.Generator
	NewRunID  func() string
	// IsTerminal reports whether stderr is a terminal, enabling live progress.
	IsTerminal func() bool
}

// DefaultDeps returns the production wiring.
func DefaultDeps() Deps {
	return Deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Password: func(login string) (string, error) {
			return prompt.Password(prompt.Options{Login: login})
		},
		NewConnector: func(creds sshutil.Credentials, opts sshutil.DialOptions) (sshutil.Connector, error) {
			return sshutil.NewDialer(creds, opts)
		},
		Generator: func(native bool) keys.Generator {
			if native {
				return keys.Native{Comment: "keyfleet"}
			}
			return keys.SSHKeygen{}
		},
		NewRunID: func() string { return uuid.NewString() },
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stderr.Fd()))
		},
	}
}

// NewRootCmd builds the keyfleet command tree. Each call returns a fresh tree
// with its own viper instance, so tests can run it repeatedly.
func NewRootCmd(deps Deps) *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var cfgFile string

	cmd := &cobra.Command{
		Use:   "keyfleet (--rhost=<ipv4> | --rhost_file=<path>) --nonroot_user=<name>",
		Short: "Provision SSH key login for a non-root user across a fleet and harden sshd",
		Long: `Log in to every target with a password, make sure the non-root user exists
with passwordless sudo, install the public key in its authorized_keys, then
disable root login and password authentication and restart sshd.

Up to 20 targets are provisioned at once. One target failing never stops the
others; the report on stdout lists the outcome of every target.

The password is read twice from the terminal, or from KEYFLEET_PASSWORD.

Examples:
  keyfleet --rhost=10.0.0.5 --nonroot_user=deploy --ssh_pubkey=~/.ssh/id_ed25519.pub
  keyfleet --rhost_file=hosts.txt --nonroot_user=deploy --ssh_new_key=./fleet_key
  keyfleet --rhost_file=hosts.txt --nonroot_user=deploy --ssh_pubkey=key.pub --dry_run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v, cfgFile)
			if err != nil {
				return err
			}
			return provision(cmd.Context(), cfg, deps)
		},
	}

	cmd.SetOut(deps.Stdout)
	cmd.SetErr(deps.Stderr)
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.ConfigFileName+")")
	addRunFlags(cmd)
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Run executes the CLI with args and returns the process exit code. Errors
// are printed to deps.Stderr.
func Run(ctx context.Context, args []string, deps Deps) int {
	cmd := NewRootCmd(deps)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	if code, ok := errors.GetExitCode(err); ok {
		return code
	}

	msg := err.Error()
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprint(deps.Stderr, msg)
	return ExitPrecondition
}

// Execute runs the CLI against the real process and exits. SIGINT and
// SIGTERM cancel the run: sessions in flight wind down and targets not yet
// started are reported as skipped.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], DefaultDeps())
	stop()
	os.Exit(code)
}
