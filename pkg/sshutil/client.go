package sshutil

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds TCP connect, banner exchange, key exchange and
// authentication for a single dial.
const DefaultTimeout = 5 * time.Second

// DefaultPort is used when neither the options nor ~/.ssh/config name one.
const DefaultPort = 22

// Credentials are the login user and password used to open every session.
// They live in memory only; String and LogValue never include the password.
type Credentials struct {
	User     string
	Password string
}

func (c Credentials) String() string {
	return c.User + ":<redacted>"
}

// GoString keeps %#v from printing the password.
func (c Credentials) GoString() string {
	return fmt.Sprintf("sshutil.Credentials{User:%q, Password:<redacted>}", c.User)
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("user", c.User))
}

// Client wraps an SSH connection with additional metadata.
type Client struct {
	*ssh.Client
	Host    string // The target as given to Dial
	Address string // The resolved address (host:port)
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetHost returns the target as given to Dial.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// DialOptions configures a Dialer.
type DialOptions struct {
	Port           int           // 0 = from ~/.ssh/config, else 22
	Timeout        time.Duration // 0 = DefaultTimeout
	HostKeyPolicy  HostKeyPolicy // "" = HostKeyWarn
	KnownHostsPath string        // "" = ~/.ssh/known_hosts; used as given, no ~ expansion
	SSHConfigPath  string        // "" = ~/.ssh/config; used as given
	Logger         *clog.Logger
}

// Dialer opens password-authenticated SSH connections. It is built once per
// run and shared by all sessions.
type Dialer struct {
	creds     Credentials
	opts      DialOptions
	hostKeys  *hostKeyVerifier
	sshConfig *sshConfigFile
	log       *clog.Logger
}

// NewDialer validates opts and loads host key state.
func NewDialer(creds Credentials, opts DialOptions) (*Dialer, error) {
	if creds.User == "" {
		return nil, errors.New(errors.ErrConfig,
			"No login user set",
			"Pass --login_user (defaults to root).")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = HostKeyWarn
	}
	if opts.KnownHostsPath == "" {
		opts.KnownHostsPath = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	if opts.SSHConfigPath == "" {
		opts.SSHConfigPath = filepath.Join(homeDir(), ".ssh", "config")
	}
	log := logger.OrNoop(opts.Logger)

	verifier, err := newHostKeyVerifier(opts.HostKeyPolicy, opts.KnownHostsPath, log)
	if err != nil {
		return nil, err
	}

	return &Dialer{
		creds:     creds,
		opts:      opts,
		hostKeys:  verifier,
		sshConfig: loadSSHConfig(opts.SSHConfigPath, log),
		log:       log,
	}, nil
}

// Connect is Dial returning the SSHClient interface.
func (d *Dialer) Connect(ctx context.Context, host string) (SSHClient, error) {
	client, err := d.Dial(ctx, host)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Dial connects and authenticates to host. The whole exchange (TCP connect,
// banner, key exchange, auth) must finish within the dial timeout.
func (d *Dialer) Dial(ctx context.Context, host string) (*Client, error) {
	address := net.JoinHostPort(host, strconv.Itoa(d.port(host)))

	config := &ssh.ClientConfig{
		User: d.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(d.creds.Password),
			ssh.KeyboardInteractive(d.keyboardInteractive),
		},
		HostKeyCallback: d.hostKeys.callback,
		Timeout:         d.opts.Timeout,
	}

	netDialer := net.Dialer{Timeout: d.opts.Timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't reach '%s' at %s", host, address),
			suggestionForDialError(err))
	}

	// Covers the banner, key exchange and auth round-trips.
	_ = conn.SetDeadline(time.Now().Add(d.opts.Timeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.WrapWithCode(hostKeyErr, errors.ErrSSH,
				fmt.Sprintf("Host key for '%s' doesn't match known_hosts", host),
				hostKeyErr.Suggestion())
		}
		var unknownErr *UnknownHostKeyError
		if stderrors.As(err, &unknownErr) {
			return nil, errors.WrapWithCode(unknownErr, errors.ErrSSH,
				fmt.Sprintf("'%s' isn't in known_hosts", host),
				"Add it with ssh-keyscan, or rerun with --host_key_policy=accept-new.")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", host),
			suggestionForHandshakeError(err))
	}
	_ = conn.SetDeadline(time.Time{})

	d.log.Debug("ssh connected", "target", host, "address", address, "login", d.creds)

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		Host:    host,
		Address: address,
	}, nil
}

// keyboardInteractive answers every prompt with the password. Hosts that
// route password auth through PAM only offer this method.
func (d *Dialer) keyboardInteractive(_, _ string, questions []string, _ []bool) ([]string, error) {
	answers := make([]string, len(questions))
	for i := range questions {
		answers[i] = d.creds.Password
	}
	return answers, nil
}

func (d *Dialer) port(host string) int {
	if d.opts.Port > 0 {
		return d.opts.Port
	}
	if p := d.sshConfig.port(host); p > 0 {
		return p
	}
	return DefaultPort
}

// Helper functions

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is sshd running on that box? Try: ssh root@<host>"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline or blocked by a firewall."
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForHandshakeError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		return "Password auth was rejected. Check --login_user and the password, and that sshd allows password logins."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return "The SSH handshake timed out. Raise --timeout if the host is just slow."
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return "The run was cancelled before this host finished connecting."
	}
	return "Something went wrong during SSH setup. Try: ssh <user>@<host>"
}
