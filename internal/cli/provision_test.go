package cli

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/keys"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"github.com/rileyhilliard/keyfleet/internal/report"
	"github.com/rileyhilliard/keyfleet/pkg/sshutil"
	sshtest "github.com/rileyhilliard/keyfleet/pkg/sshutil/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	testKey      = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIEG5qnJhR9z1cJ6cG8bH4l3tlGmXuB9XBLcz9G0dRr0M ops@laptop"
	testPassword = "hunter2"
)

// testDeps wires buffers, a fixed password and the native keygen. The real
// dialer stays in place unless a test overrides NewConnector.
func testDeps(t *testing.T) (Deps, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	deps := DefaultDeps()
	deps.Stdout = &stdout
	deps.Stderr = &stderr
	deps.Password = func(string) (string, error) { return testPassword, nil }
	deps.Generator = func(bool) keys.Generator { return keys.Native{Comment: "test"} }
	deps.NewRunID = func() string { return "run-test" }
	deps.IsTerminal = func() bool { return false }
	return deps, &stdout, &stderr
}

// mockConnector routes every session to dialer and counts how often a
// connector was built.
func mockConnector(dialer *sshtest.MockDialer, built *atomic.Int32) func(sshutil.Credentials, sshutil.DialOptions) (sshutil.Connector, error) {
	return func(sshutil.Credentials, sshutil.DialOptions) (sshutil.Connector, error) {
		if built != nil {
			built.Add(1)
		}
		return dialer, nil
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// baseArgs keeps tests away from the operator's ~/.ssh and the working
// directory.
func baseArgs(dir string) []string {
	return []string{
		"--no_log_file",
		"--ssh_config=" + filepath.Join(dir, "ssh_config"),
		"--known_hosts=" + filepath.Join(dir, "known_hosts"),
	}
}

func decodeJSON(t *testing.T, out string) []report.Record {
	t.Helper()
	var records []report.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records), out)
	return records
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")
	hosts := writeFile(t, dir, "hosts.txt", "10.0.0.2\n# staging\n10.0.0.1\nnot-an-ip\n10.0.0.2\n")

	deps, stdout, _ := testDeps(t)
	var prompted atomic.Bool
	deps.Password = func(string) (string, error) {
		prompted.Store(true)
		return testPassword, nil
	}
	var built atomic.Int32
	deps.NewConnector = mockConnector(sshtest.NewMockDialer(), &built)

	args := append(baseArgs(dir), "--rhost_file="+hosts, "--nonroot_user=deploy", "--ssh_pubkey="+pub, "--dry_run")
	code := Run(context.Background(), args, deps)

	require.Equal(t, ExitOK, code)
	out := stdout.String()
	assert.Contains(t, out, "run run-test")
	assert.Contains(t, out, "user deploy")
	assert.Contains(t, out, "2 targets")
	assert.Contains(t, out, "1. validate-user (probe)")
	assert.Contains(t, out, "8. restart-sshd")
	assert.Contains(t, out, "targets: 10.0.0.1, 10.0.0.2\n")
	assert.NotContains(t, out, "not-an-ip")

	assert.False(t, prompted.Load(), "a dry run never asks for the password")
	assert.Equal(t, int32(0), built.Load(), "a dry run never dials")
}

func TestRun_DryRunNeedsPubkey(t *testing.T) {
	dir := t.TempDir()
	deps, stdout, stderr := testDeps(t)

	args := append(baseArgs(dir), "--rhost=10.0.0.1", "--nonroot_user=deploy",
		"--ssh_new_key="+filepath.Join(dir, "fleet"), "--dry_run")
	code := Run(context.Background(), args, deps)

	assert.Equal(t, ExitPrecondition, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "--dry_run needs an existing key")
	assert.NoFileExists(t, filepath.Join(dir, "fleet"))
}

func TestRun_PreconditionErrors(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")
	bad := writeFile(t, dir, "bad.pub", "not a key\n")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "no targets",
			args:    []string{"--nonroot_user=deploy", "--ssh_pubkey=" + pub},
			wantErr: "No targets given",
		},
		{
			name:    "both target flags",
			args:    []string{"--rhost=10.0.0.1", "--rhost_file=" + pub, "--nonroot_user=deploy", "--ssh_pubkey=" + pub},
			wantErr: "rhost",
		},
		{
			name:    "no user",
			args:    []string{"--rhost=10.0.0.1", "--ssh_pubkey=" + pub},
			wantErr: "No non-root user given",
		},
		{
			name:    "root as user",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=root", "--ssh_pubkey=" + pub},
			wantErr: "--nonroot_user can't be root",
		},
		{
			name:    "invalid address",
			args:    []string{"--rhost=10.0.0.256", "--nonroot_user=deploy", "--ssh_pubkey=" + pub},
			wantErr: "'10.0.0.256' is not a valid IPv4 address",
		},
		{
			name:    "too many workers",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + pub, "--workers=50"},
			wantErr: "Workers must be between 1 and 20",
		},
		{
			name:    "unknown format",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + pub, "--format=xml"},
			wantErr: "Unknown report format 'xml'",
		},
		{
			name:    "unknown host key policy",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + pub, "--host_key_policy=yolo"},
			wantErr: "Unknown host key policy 'yolo'",
		},
		{
			name:    "malformed public key",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + bad},
			wantErr: "✗",
		},
		{
			name:    "missing public key",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + filepath.Join(dir, "nope.pub")},
			wantErr: "nope.pub",
		},
		{
			name:    "positional argument",
			args:    []string{"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + pub, "extra"},
			wantErr: "unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, stdout, stderr := testDeps(t)
			var built atomic.Int32
			deps.NewConnector = mockConnector(sshtest.NewMockDialer(), &built)

			code := Run(context.Background(), append(baseArgs(dir), tt.args...), deps)

			assert.Equal(t, ExitPrecondition, code)
			assert.Contains(t, stderr.String(), tt.wantErr)
			assert.Empty(t, stdout.String(), "no report when the run never started")
			assert.Equal(t, int32(0), built.Load())
		})
	}
}

// Drives the whole run through the real dialer against an in-process sshd
// where the non-root user doesn't exist yet.
func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")

	srv, err := sshtest.StartServer("root", testPassword, func(cmd string) (string, string, uint32) {
		if strings.HasPrefix(cmd, "id -u") {
			return "", "id: 'deploy': no such user\n", 1
		}
		return "", "", 0
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	deps, stdout, stderr := testDeps(t)
	args := append(baseArgs(dir),
		"--rhost="+srv.Host(),
		"--port="+strconv.Itoa(srv.Port()),
		"--nonroot_user=deploy",
		"--ssh_pubkey="+pub,
		"--host_key_policy=accept-new",
	)

	code := Run(context.Background(), args, deps)

	require.Equal(t, ExitOK, code, stderr.String())
	records := decodeJSON(t, stdout.String())
	require.Len(t, records, 1)
	assert.Equal(t, report.Record{Status: "Succeeded", Target: "127.0.0.1"}, records[0])

	cmds := srv.Commands()
	require.Len(t, cmds, 8, "the user was missing, so create-user runs too")
	assert.Contains(t, strings.Join(cmds, "\n"), "AAAAC3NzaC1lZDI1NTE5AAAAIEG5qnJhR9z1cJ6cG8bH4l3tlGmXuB9XBLcz9G0dRr0M")

	known, err := os.ReadFile(filepath.Join(dir, "known_hosts"))
	require.NoError(t, err)
	assert.Contains(t, string(known), "[127.0.0.1]:"+strconv.Itoa(srv.Port()))
	assert.NotContains(t, stderr.String(), testPassword)
}

func TestRun_WrongPasswordFailsTarget(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")

	srv, err := sshtest.StartServer("root", "correct horse", nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	deps, stdout, _ := testDeps(t)
	args := append(baseArgs(dir), "--rhost="+srv.Host(), "--port="+strconv.Itoa(srv.Port()),
		"--nonroot_user=deploy", "--ssh_pubkey="+pub)

	code := Run(context.Background(), args, deps)

	assert.Equal(t, ExitTargetsFailed, code)
	records := decodeJSON(t, stdout.String())
	require.Len(t, records, 1)
	assert.Equal(t, "Failed", records[0].Status)
	assert.Empty(t, records[0].FailedStep)
	assert.Contains(t, records[0].Detail, "didn't go through")
	assert.Contains(t, records[0].Detail, "unable to authenticate")
	assert.Empty(t, srv.Commands())
}

func TestRun_SomeTargetsFail(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")
	hosts := writeFile(t, dir, "hosts.txt", "10.0.0.1\n10.0.0.2\n10.0.0.3\n")

	dialer := sshtest.NewMockDialer()
	dialer.FailHost("10.0.0.2", stderrors.New("dial tcp 10.0.0.2:22: connect: no route to host"))
	dialer.Host("10.0.0.3").SetPatternResponse(`systemctl restart`, sshtest.CommandResponse{
		ExitCode: 1,
		Stderr:   []byte("Failed to restart sshd.service: Unit not found.\n"),
	})

	deps, stdout, _ := testDeps(t)
	deps.NewConnector = mockConnector(dialer, nil)

	args := append(baseArgs(dir), "--rhost_file="+hosts, "--nonroot_user=deploy", "--ssh_pubkey="+pub, "--format=yaml")
	code := Run(context.Background(), args, deps)

	assert.Equal(t, ExitTargetsFailed, code)

	var records []report.Record
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &records))
	require.Len(t, records, 3)

	byTarget := make(map[string]report.Record)
	for _, r := range records {
		byTarget[r.Target] = r
	}
	assert.Equal(t, "Succeeded", byTarget["10.0.0.1"].Status)
	assert.Equal(t, "Failed", byTarget["10.0.0.2"].Status)
	assert.Contains(t, byTarget["10.0.0.2"].Detail, "no route to host")
	assert.Equal(t, "Failed", byTarget["10.0.0.3"].Status)
	assert.Equal(t, "restart-sshd", byTarget["10.0.0.3"].FailedStep)
}

func TestRun_PasswordError(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")

	deps, stdout, stderr := testDeps(t)
	deps.Password = func(string) (string, error) {
		return "", errors.New(errors.ErrConfig, "Password prompt cancelled", "Set KEYFLEET_PASSWORD to skip the prompt.")
	}
	var built atomic.Int32
	deps.NewConnector = mockConnector(sshtest.NewMockDialer(), &built)

	args := append(baseArgs(dir), "--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey="+pub)
	code := Run(context.Background(), args, deps)

	assert.Equal(t, ExitPrecondition, code)
	assert.Contains(t, stderr.String(), "Password prompt cancelled")
	assert.Empty(t, stdout.String())
	assert.Equal(t, int32(0), built.Load())
}

func TestRun_GeneratesKeyPair(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "fleet_key")

	dialer := sshtest.NewMockDialer()
	deps, _, stderr := testDeps(t)
	deps.NewConnector = mockConnector(dialer, nil)

	args := append(baseArgs(dir), "--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_new_key="+keyPath+".pub")
	code := Run(context.Background(), args, deps)

	require.Equal(t, ExitOK, code, stderr.String())
	assert.FileExists(t, keyPath)
	pubBytes, err := os.ReadFile(keyPath + ".pub")
	require.NoError(t, err)

	fields := strings.Fields(string(pubBytes))
	require.GreaterOrEqual(t, len(fields), 2)
	assert.Contains(t, strings.Join(dialer.Host("10.0.0.1").Commands(), "\n"), fields[1],
		"the generated key is the one installed")
}

func TestRun_RefusesToOverwriteKey(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "fleet_key", "PRIVATE\n")

	deps, _, stderr := testDeps(t)
	deps.NewConnector = mockConnector(sshtest.NewMockDialer(), nil)

	args := append(baseArgs(dir), "--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_new_key="+existing)
	code := Run(context.Background(), args, deps)

	assert.Equal(t, ExitPrecondition, code)
	assert.Contains(t, stderr.String(), "already exists")
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE\n", string(data))
}

func TestRun_EmptyHostFile(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")
	hosts := writeFile(t, dir, "hosts.txt", "# nothing yet\n\nfe80::1\n")

	deps, stdout, _ := testDeps(t)
	var prompted atomic.Bool
	deps.Password = func(string) (string, error) {
		prompted.Store(true)
		return testPassword, nil
	}

	args := append(baseArgs(dir), "--rhost_file="+hosts, "--nonroot_user=deploy", "--ssh_pubkey="+pub)
	code := Run(context.Background(), args, deps)

	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "[]\n", stdout.String())
	assert.False(t, prompted.Load())
}

func TestRun_ConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")
	cfgPath := writeFile(t, dir, "fleet.yaml", "rhost: 10.0.0.9\nnonroot_user: deploy\nlogin_user: admin\nssh_pubkey: "+pub+"\n")
	t.Setenv("KEYFLEET_FORMAT", "text")

	var gotCreds sshutil.Credentials
	var gotOpts sshutil.DialOptions
	dialer := sshtest.NewMockDialer()

	deps, stdout, stderr := testDeps(t)
	deps.NewConnector = func(creds sshutil.Credentials, opts sshutil.DialOptions) (sshutil.Connector, error) {
		gotCreds, gotOpts = creds, opts
		return dialer, nil
	}

	args := append(baseArgs(dir), "--config="+cfgPath, "--timeout=9s", "--port=2222")
	code := Run(context.Background(), args, deps)

	require.Equal(t, ExitOK, code, stderr.String())
	assert.Equal(t, "admin", gotCreds.User)
	assert.Equal(t, testPassword, gotCreds.Password)
	assert.Equal(t, 2222, gotOpts.Port)
	assert.Equal(t, "9s", gotOpts.Timeout.String())
	assert.Equal(t, sshutil.HostKeyWarn, gotOpts.HostKeyPolicy)

	out := stdout.String()
	assert.Contains(t, out, "run run-test")
	assert.Contains(t, out, "10.0.0.9")
	assert.Contains(t, out, "1 succeeded")
	assert.Equal(t, []string{"10.0.0.9"}, dialer.Dialed())
}

func TestRun_ProgressOnTerminal(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")

	deps, stdout, stderr := testDeps(t)
	deps.IsTerminal = func() bool { return true }
	deps.NewConnector = mockConnector(sshtest.NewMockDialer(), nil)

	args := append(baseArgs(dir), "--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey="+pub)
	code := Run(context.Background(), args, deps)

	require.Equal(t, ExitOK, code)
	errOut := stderr.String()
	assert.Contains(t, errOut, "10.0.0.1 connecting")
	assert.Contains(t, errOut, "[1/1]")
	assert.Contains(t, errOut, "1 succeeded")
	assert.NotContains(t, errOut, "target provisioned", "info logs give way to progress lines")
	assert.Len(t, decodeJSON(t, stdout.String()), 1, "stdout carries only the report")
}

func TestRun_NoColor(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "1")
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")

	deps, stdout, stderr := testDeps(t)
	deps.IsTerminal = func() bool { return true }
	deps.NewConnector = mockConnector(sshtest.NewMockDialer(), nil)

	args := append(baseArgs(dir), "--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey="+pub,
		"--format=text", "--no_color")
	code := Run(context.Background(), args, deps)

	require.Equal(t, ExitOK, code)
	assert.Contains(t, stderr.String(), "1 succeeded")
	assert.NotContains(t, stderr.String(), "\x1b[")
	assert.NotContains(t, stdout.String(), "\x1b[")
}

func TestRun_WritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.Mkdir(logDir, 0o755))
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")

	// Earlier runs; only the newest survives --log_keep_runs=1.
	var oldest string
	for i, day := range []int{1, 2, 3} {
		mod := time.Date(2024, 1, day, 12, 0, 0, 0, time.UTC)
		path := writeFile(t, logDir, logger.FileName(mod), "{}\n")
		require.NoError(t, os.Chtimes(path, mod, mod))
		if i == 0 {
			oldest = path
		}
	}
	kept := filepath.Join(logDir, logger.FileName(time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)))

	deps, _, _ := testDeps(t)
	deps.NewConnector = mockConnector(sshtest.NewMockDialer(), nil)

	args := []string{
		"--log_dir=" + logDir,
		"--log_keep_runs=1",
		"--ssh_config=" + filepath.Join(dir, "ssh_config"),
		"--rhost=10.0.0.1", "--nonroot_user=deploy", "--ssh_pubkey=" + pub,
	}
	code := Run(context.Background(), args, deps)
	require.Equal(t, ExitOK, code)

	matches, err := filepath.Glob(filepath.Join(logDir, logger.FilePrefix+"*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, kept)

	var current string
	for _, m := range matches {
		if m != kept {
			current = m
		}
	}
	data, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"run-test"`)
	assert.Contains(t, string(data), "command plan ready")
	assert.NotContains(t, string(data), testPassword)
}

func TestRun_CancelledRunSkipsTargets(t *testing.T) {
	dir := t.TempDir()
	pub := writeFile(t, dir, "deploy.pub", testKey+"\n")
	hosts := writeFile(t, dir, "hosts.txt", "10.0.0.1\n10.0.0.2\n")

	dialer := sshtest.NewMockDialer()
	deps, stdout, _ := testDeps(t)
	deps.NewConnector = mockConnector(dialer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	args := append(baseArgs(dir), "--rhost_file="+hosts, "--nonroot_user=deploy", "--ssh_pubkey="+pub)
	code := Run(ctx, args, deps)

	assert.Equal(t, ExitTargetsFailed, code)
	records := decodeJSON(t, stdout.String())
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "Failed", r.Status)
		assert.Equal(t, "skipped: context canceled", r.Detail)
	}
	assert.Empty(t, dialer.Dialed())
}
