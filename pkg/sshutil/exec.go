package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"

	"github.com/rileyhilliard/keyfleet/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Exec runs a command on the remote host and returns the output.
// Returns stdout, stderr, exit code, and any error.
// Exit code is -1 if the command couldn't be executed at all.
func (c *Client) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	return c.ExecContext(context.Background(), cmd)
}

// ExecContext is Exec bounded by ctx. When ctx ends first the remote process
// is sent SIGKILL, the session is closed, and ctx's error is returned. If the
// host never answers the session open, the whole connection is closed.
func (c *Client) ExecContext(ctx context.Context, cmd string) (stdout, stderr []byte, exitCode int, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, -1, err
	}

	session, err := c.openSession(ctx)
	if err != nil {
		return nil, nil, -1, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// The Run goroutine may still be writing; don't hand out the buffers.
		return nil, nil, -1, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if stderrors.As(err, &exitErr) {
			// Command ran, just had non-zero exit
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		return nil, nil, -1, errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Failed to execute command: %s", cmd),
			"The connection may have dropped mid-command.")
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, nil
}

type openResult struct {
	session *ssh.Session
	err     error
}

// openSession opens a session channel, giving up when ctx ends.
func (c *Client) openSession(ctx context.Context) (*ssh.Session, error) {
	opened := make(chan openResult, 1)
	go func() {
		s, err := c.Client.NewSession()
		opened <- openResult{s, err}
	}()

	select {
	case r := <-opened:
		if r.err != nil {
			return nil, errors.WrapWithCode(r.err, errors.ErrSSH,
				"Failed to create SSH session",
				"Connection may have been closed. Try reconnecting.")
		}
		return r.session, nil
	case <-ctx.Done():
		// A channel open that never comes back leaves the connection unusable.
		_ = c.Client.Close()
		go func() {
			if r := <-opened; r.session != nil {
				_ = r.session.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
