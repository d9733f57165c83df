package testing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
)

// CommandResponse defines a canned response for a specific command pattern.
type CommandResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Error    error
	Delay    time.Duration // simulated runtime; honours ctx cancellation
	Panic    any           // panics with this value instead of returning
}

type patternResponse struct {
	pattern *regexp.Regexp
	resp    CommandResponse
}

// MockClient simulates an SSH connection for testing.
// Commands with no registered response succeed with empty output.
type MockClient struct {
	mu       sync.Mutex
	host     string
	address  string
	closed   bool
	exact    map[string]CommandResponse
	patterns []patternResponse
	executed []string
}

// NewMockClient creates a new mock SSH client.
func NewMockClient(host string) *MockClient {
	return &MockClient{
		host:    host,
		address: host + ":22",
		exact:   make(map[string]CommandResponse),
	}
}

// SetCommandResponse registers a canned response for exactly cmd.
func (m *MockClient) SetCommandResponse(cmd string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact[cmd] = resp
}

// SetPatternResponse registers a canned response for commands matching the
// regex pattern. Exact responses win; patterns are tried in registration order.
func (m *MockClient) SetPatternResponse(pattern string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, patternResponse{pattern: regexp.MustCompile(pattern), resp: resp})
}

// Exec runs cmd against the canned responses.
func (m *MockClient) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	return m.ExecContext(context.Background(), cmd)
}

// ExecContext runs cmd with context cancellation support.
func (m *MockClient) ExecContext(ctx context.Context, cmd string) (stdout, stderr []byte, exitCode int, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, -1, errors.New("connection closed")
	}
	m.executed = append(m.executed, cmd)
	resp, ok := m.exact[cmd]
	if !ok {
		for _, p := range m.patterns {
			if p.pattern.MatchString(cmd) {
				resp = p.resp
				break
			}
		}
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, nil, -1, ctx.Err()
		case <-timer.C:
		}
	}
	if resp.Panic != nil {
		panic(resp.Panic)
	}
	if resp.Error != nil {
		return nil, nil, -1, resp.Error
	}
	return resp.Stdout, resp.Stderr, resp.ExitCode, nil
}

// Close marks the connection as closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GetHost returns the host name.
func (m *MockClient) GetHost() string {
	return m.host
}

// GetAddress returns the host:port address.
func (m *MockClient) GetAddress() string {
	return m.address
}

// Commands returns every command executed so far, in order.
func (m *MockClient) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.executed))
	copy(out, m.executed)
	return out
}

// MockDialer hands out MockClients by host. Hosts that were never registered
// get a fresh client where every command succeeds.
type MockDialer struct {
	mu      sync.Mutex
	clients map[string]*MockClient
	errs    map[string]error
	delays  map[string]time.Duration
	dialed  []string
}

// NewMockDialer creates an empty MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{
		clients: make(map[string]*MockClient),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
	}
}

// Host returns the client for host, creating it if needed, so tests can
// register responses before the run.
func (d *MockDialer) Host(host string) *MockClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientLocked(host)
}

// FailHost makes Connect for host return err.
func (d *MockDialer) FailHost(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[host] = err
}

// DelayHost makes Connect for host block for delay (or until ctx ends).
func (d *MockDialer) DelayHost(host string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays[host] = delay
}

// Connect implements sshutil.Connector.
func (d *MockDialer) Connect(ctx context.Context, host string) (sshutil.SSHClient, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, host)
	delay := d.delays[host]
	err := d.errs[host]
	d.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", host, ctx.Err())
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientLocked(host), nil
}

// Dialed returns every host Connect was called with.
func (d *MockDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dialed))
	copy(out, d.dialed)
	return out
}

func (d *MockDialer) clientLocked(host string) *MockClient {
	c, ok := d.clients[host]
	if !ok {
		c = NewMockClient(host)
		d.clients[host] = c
	}
	return c
}
