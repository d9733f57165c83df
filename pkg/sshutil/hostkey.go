package sshutil

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/util"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy controls what happens when a target's host key is not in
// known_hosts. A key that contradicts known_hosts is always rejected.
type HostKeyPolicy string

const (
	// HostKeyWarn accepts unknown keys and logs a warning. This is the
	// default: the fleet is assumed to sit on a trusted operator network.
	HostKeyWarn HostKeyPolicy = "warn"
	// HostKeyAcceptNew accepts unknown keys and records them in known_hosts.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// HostKeyStrict rejects any host not already in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
)

// HostKeyPolicies lists the accepted policy names.
var HostKeyPolicies = []HostKeyPolicy{HostKeyWarn, HostKeyAcceptNew, HostKeyStrict}

// ParseHostKeyPolicy validates a policy name.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	for _, p := range HostKeyPolicies {
		if string(p) == s {
			return p, nil
		}
	}
	names := make([]string, len(HostKeyPolicies))
	for i, p := range HostKeyPolicies {
		names[i] = string(p)
	}
	return "", errors.New(errors.ErrConfig,
		fmt.Sprintf("Unknown host key policy '%s'", s),
		strings.TrimSpace("Use one of: "+strings.Join(names, ", ")+". "+util.DidYouMean(s, names)))
}

type hostKeyVerifier struct {
	policy HostKeyPolicy
	path   string
	known  ssh.HostKeyCallback // nil when known_hosts doesn't exist
	log    *clog.Logger

	mu       sync.Mutex
	accepted map[string]ssh.PublicKey // keys recorded during this run
}

func newHostKeyVerifier(policy HostKeyPolicy, path string, log *clog.Logger) (*hostKeyVerifier, error) {
	if _, err := ParseHostKeyPolicy(string(policy)); err != nil {
		return nil, err
	}

	v := &hostKeyVerifier{
		policy:   policy,
		path:     path,
		log:      log,
		accepted: make(map[string]ssh.PublicKey),
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
	case os.IsNotExist(statErr) && policy == HostKeyStrict:
		return nil, errors.WrapWithCode(statErr, errors.ErrConfig,
			fmt.Sprintf("known_hosts not found at %s", path),
			"Strict host key checking needs an existing known_hosts. Use --known_hosts or --host_key_policy.")
	case os.IsNotExist(statErr) && policy == HostKeyAcceptNew:
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
		}
		if err := os.WriteFile(path, []byte{}, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	case os.IsNotExist(statErr):
		return v, nil
	default:
		return nil, fmt.Errorf("failed to stat known_hosts: %w", statErr)
	}

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Can't parse known_hosts at %s", path),
			"Fix or move the file, or point --known_hosts somewhere else.")
	}
	v.known = known
	return v, nil
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if v.known != nil {
		err := v.known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !stderrors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyMismatchError{
				Hostname:     hostname,
				ReceivedType: key.Type(),
				KnownHosts:   v.path,
				Want:         keyErr.Want,
			}
		}
	}

	fingerprint := ssh.FingerprintSHA256(key)
	switch v.policy {
	case HostKeyStrict:
		return &UnknownHostKeyError{Hostname: hostname, Fingerprint: fingerprint}
	case HostKeyAcceptNew:
		return v.record(hostname, key)
	default:
		v.log.Warn("accepting unknown host key",
			"host", hostname, "type", key.Type(), "fingerprint", fingerprint)
		return nil
	}
}

// record appends key to known_hosts. Sessions dial concurrently, so writes
// are serialized and a host seen twice in one run must present the same key.
func (v *hostKeyVerifier) record(hostname string, key ssh.PublicKey) error {
	normalized := knownhosts.Normalize(hostname)

	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.accepted[normalized]; ok {
		if bytes.Equal(prev.Marshal(), key.Marshal()) {
			return nil
		}
		return &HostKeyMismatchError{
			Hostname:     hostname,
			ReceivedType: key.Type(),
			KnownHosts:   v.path,
			Want:         []knownhosts.KnownKey{{Key: prev, Filename: v.path}},
		}
	}

	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{normalized}, key) + "\n"); err != nil {
		return fmt.Errorf("failed to update known_hosts: %w", err)
	}
	v.accepted[normalized] = key

	v.log.Info("added host key to known_hosts",
		"host", normalized, "type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
	return nil
}

// UnknownHostKeyError is returned under the strict policy for hosts missing
// from known_hosts.
type UnknownHostKeyError struct {
	Hostname    string
	Fingerprint string
}

func (e *UnknownHostKeyError) Error() string {
	return fmt.Sprintf("host %s is not in known_hosts (key %s)", e.Hostname, e.Fingerprint)
}

// HostKeyMismatchError provides helpful context when known_hosts verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The server's host key doesn't match what's in known_hosts.\n"+
			"  Known types: %s\n"+
			"  Server sent: %s\n\n"+
			"  If the host was rebuilt, remove the old entry:\n"+
			"    ssh-keygen -R %s -f %s",
		wantStr, e.ReceivedType, host, e.KnownHosts)
}
