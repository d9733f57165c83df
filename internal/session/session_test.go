package session

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/rileyhilliard/keyfleet/internal/address"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"github.com/rileyhilliard/keyfleet/internal/plan"
	sshtest "github.com/rileyhilliard/keyfleet/pkg/sshutil/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIEG5qnJhR9z1cJ6cG8bH4l3tlGmXuB9XBLcz9G0dRr0M ops@laptop"

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.Build("deploy", testKey)
	require.NoError(t, err)
	return p
}

func commandOf(p *plan.Plan, name plan.StepName) string {
	for _, s := range p.Steps() {
		if s.Name == name {
			return s.Command
		}
	}
	panic("no step " + string(name))
}

func newDriver(t *testing.T, dialer *sshtest.MockDialer) (*Driver, *logger.Capture) {
	t.Helper()
	capture := logger.NewCapture()
	return &Driver{
		Connector: dialer,
		Plan:      testPlan(t),
		Logger:    capture.Logger(),
	}, capture
}

func TestRun_UserExists(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, capture := newDriver(t, dialer)
	target := address.MustParse("10.0.0.1")

	out := d.Run(context.Background(), target)

	assert.Equal(t, Succeeded, out.Status)
	assert.True(t, out.Success())
	assert.Empty(t, out.Detail)
	assert.Empty(t, out.FailedStep)
	assert.Equal(t, target, out.Target)
	assert.Equal(t, 7, out.StepsRun, "create-user is skipped when the probe finds the user")
	assert.Positive(t, out.Duration)

	client := dialer.Host("10.0.0.1")
	assert.NotContains(t, client.Commands(), commandOf(d.Plan, plan.CreateUser))
	assert.True(t, client.Closed())
	assert.True(t, capture.Contains("target provisioned"))
}

func TestRun_UserMissing(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)
	client := dialer.Host("10.0.0.2")
	client.SetCommandResponse(commandOf(d.Plan, plan.ValidateUser), sshtest.CommandResponse{
		ExitCode: 1,
		Stderr:   []byte("id: 'deploy': no such user\n"),
	})

	out := d.Run(context.Background(), address.MustParse("10.0.0.2"))

	require.Equal(t, Succeeded, out.Status)
	assert.Equal(t, 8, out.StepsRun)

	var want []string
	for _, s := range d.Plan.Steps() {
		want = append(want, s.Command)
	}
	assert.Equal(t, want, client.Commands(), "steps run strictly in plan order")
}

func TestRun_ProbeTransportErrorMeansMissing(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)
	client := dialer.Host("10.0.0.2")
	client.SetCommandResponse(commandOf(d.Plan, plan.ValidateUser), sshtest.CommandResponse{
		Error: stderrors.New("session refused"),
	})

	out := d.Run(context.Background(), address.MustParse("10.0.0.2"))
	require.Equal(t, Succeeded, out.Status)
	assert.Contains(t, client.Commands(), commandOf(d.Plan, plan.CreateUser))
}

func TestRun_ConnectFailure(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	dialer.FailHost("10.0.0.3", errors.WrapWithCode(stderrors.New("connection refused"), errors.ErrSSH,
		"Can't reach '10.0.0.3' at 10.0.0.3:22", "Is sshd running?"))
	d, capture := newDriver(t, dialer)

	out := d.Run(context.Background(), address.MustParse("10.0.0.3"))

	assert.Equal(t, Failed, out.Status)
	assert.Empty(t, out.FailedStep)
	assert.Equal(t, 0, out.StepsRun)
	assert.Equal(t, "Can't reach '10.0.0.3' at 10.0.0.3:22: connection refused", out.Detail)
	assert.True(t, capture.HasLevel("warn"))
}

func TestRun_StepFailureStopsSequence(t *testing.T) {
	tests := []struct {
		name       string
		failing    plan.StepName
		resp       sshtest.CommandResponse
		wantDetail string
	}{
		{
			name:       "non-zero exit",
			failing:    plan.InstallPubKey,
			resp:       sshtest.CommandResponse{ExitCode: 1, Stderr: []byte("bash: /home/deploy/.ssh/authorized_keys:\n Permission denied\n")},
			wantDetail: "exit status 1: bash: /home/deploy/.ssh/authorized_keys: Permission denied",
		},
		{
			name:       "exit without stderr",
			failing:    plan.RestartSSHD,
			resp:       sshtest.CommandResponse{ExitCode: 5},
			wantDetail: "exit status 5",
		},
		{
			name:       "transport error",
			failing:    plan.EnsureSSHDir,
			resp:       sshtest.CommandResponse{Error: stderrors.New("connection reset by peer")},
			wantDetail: "connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := sshtest.NewMockDialer()
			d, _ := newDriver(t, dialer)
			client := dialer.Host("10.0.0.4")
			client.SetCommandResponse(commandOf(d.Plan, tt.failing), tt.resp)

			out := d.Run(context.Background(), address.MustParse("10.0.0.4"))

			assert.Equal(t, Failed, out.Status)
			assert.Equal(t, tt.failing, out.FailedStep)
			assert.Equal(t, tt.wantDetail, out.Detail)

			cmds := client.Commands()
			require.NotEmpty(t, cmds)
			assert.Equal(t, commandOf(d.Plan, tt.failing), cmds[len(cmds)-1], "nothing runs after a fatal step fails")
			assert.True(t, client.Closed())
		})
	}
}

func TestRun_StderrOnSuccessIsNotFailure(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)
	dialer.Host("10.0.0.5").SetCommandResponse(commandOf(d.Plan, plan.RestartSSHD), sshtest.CommandResponse{
		Stderr: []byte("Warning: The unit file changed on disk\n"),
	})

	out := d.Run(context.Background(), address.MustParse("10.0.0.5"))
	assert.Equal(t, Succeeded, out.Status)
}

func TestRun_LongStderrTruncated(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)
	dialer.Host("10.0.0.5").SetCommandResponse(commandOf(d.Plan, plan.DisableRootLogin), sshtest.CommandResponse{
		ExitCode: 2,
		Stderr:   []byte(strings.Repeat("x", 4096)),
	})

	out := d.Run(context.Background(), address.MustParse("10.0.0.5"))
	require.Equal(t, Failed, out.Status)
	assert.Less(t, len(out.Detail), 600)
	assert.True(t, strings.HasSuffix(out.Detail, "..."))
}

func TestRun_PanicRecovered(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, capture := newDriver(t, dialer)
	client := dialer.Host("10.0.0.6")
	client.SetCommandResponse(commandOf(d.Plan, plan.EnsureAuthKeysFile), sshtest.CommandResponse{Panic: "nil map write"})

	var out Outcome
	require.NotPanics(t, func() {
		out = d.Run(context.Background(), address.MustParse("10.0.0.6"))
	})

	assert.Equal(t, Failed, out.Status)
	assert.Equal(t, plan.EnsureAuthKeysFile, out.FailedStep)
	assert.Contains(t, out.Detail, "internal error: nil map write")
	assert.True(t, client.Closed())
	assert.True(t, capture.HasLevel("error"))
}

func TestRun_CancelledBeforeConnect(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := d.Run(ctx, address.MustParse("10.0.0.7"))
	assert.Equal(t, Failed, out.Status)
	assert.Contains(t, out.Detail, "context canceled")
	assert.Empty(t, dialer.Dialed())
}

func TestRun_CancelledMidRun(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)
	client := dialer.Host("10.0.0.8")
	client.SetCommandResponse(commandOf(d.Plan, plan.EnsureSSHDir), sshtest.CommandResponse{Delay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := d.Run(ctx, address.MustParse("10.0.0.8"))
	assert.Equal(t, Failed, out.Status)
	assert.Equal(t, plan.EnsureSSHDir, out.FailedStep)
	assert.NotContains(t, client.Commands(), commandOf(d.Plan, plan.RestartSSHD))
}

func TestRun_CommandTimeout(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)
	d.CommandTimeout = 30 * time.Millisecond
	dialer.Host("10.0.0.9").SetCommandResponse(commandOf(d.Plan, plan.RestartSSHD), sshtest.CommandResponse{Delay: time.Minute})

	out := d.Run(context.Background(), address.MustParse("10.0.0.9"))
	assert.Equal(t, Failed, out.Status)
	assert.Equal(t, plan.RestartSSHD, out.FailedStep)
	assert.Equal(t, "command timed out after 30ms", out.Detail)
}

func TestRun_IdenticalCommandsAcrossTargets(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d, _ := newDriver(t, dialer)

	d.Run(context.Background(), address.MustParse("10.0.0.10"))
	d.Run(context.Background(), address.MustParse("10.0.0.11"))

	assert.Equal(t, dialer.Host("10.0.0.10").Commands(), dialer.Host("10.0.0.11").Commands())
}

func TestRun_NilLoggerIsFine(t *testing.T) {
	dialer := sshtest.NewMockDialer()
	d := &Driver{Connector: dialer, Plan: testPlan(t)}

	out := d.Run(context.Background(), address.MustParse("10.0.0.12"))
	assert.True(t, out.Success())
}
