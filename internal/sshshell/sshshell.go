// Package sshshell implements the remote-shell channel: an alternative
// to the console channel for guests whose VmConfig advertises an SSH
// target. It follows protonuke's own SSH client,
// sshClientConnect/sshClientActivity (sandia-minimega-minimega/src/protonuke/ssh.go),
// ported from protonuke's pre-x/crypto "ssh"/"ssh/terminal" packages onto
// golang.org/x/crypto/ssh, and generalized from protonuke's "type a random
// line, expect an echo" activity into an exec-and-capture shell channel.
package sshshell

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/iotsandbox/detonator/internal/detonerr"
	"github.com/iotsandbox/detonator/internal/sandbox"
)

// Shell is a remote-shell channel to one guest, backed by a persistent SSH
// client connection. A new Session is opened per command: each run(cmd)
// opens its own session, while the client connection itself is held open
// for the VM's lifetime.
type Shell struct {
	client *ssh.Client

	mu      sync.Mutex // serializes against an in-flight async command
	pending *asyncHandle
}

// Dial opens the persistent client connection used for every subsequent
// Run call. Connection failures are fatal — they surface as
// detonerr.QemuError, never a plain CmdResult.
func Dial(ctx context.Context, target sandbox.SSHTarget, user, password string) (*Shell, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonSpawnFailed, fmt.Errorf("dial %s: %w", addr, err))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, detonerr.NewQemuError(detonerr.ReasonSpawnFailed, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	return &Shell{client: ssh.NewClient(c, chans, reqs)}, nil
}

// asyncHandle tracks a command started with Run(cmd, wait=false): it lets
// WaitExisting join it and TerminateExisting interrupt it.
type asyncHandle struct {
	cmd     string
	session *ssh.Session
	done    chan struct{}
	result  sandbox.CmdResult
	err     error
}

// Run executes cmd on the guest. When wait is true it blocks for
// completion and returns the CmdResult. When wait is false it starts the
// command, records it as the pending async job, and returns immediately
// with a zero CmdResult — the caller retrieves the real result later via
// WaitExisting.
func (s *Shell) Run(ctx context.Context, cmd string, wait bool) (sandbox.CmdResult, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonAwaitingAlreadySet, fmt.Errorf("command already in flight: %s", s.pending.cmd))
	}

	h, err := s.start(cmd)
	if err != nil {
		s.mu.Unlock()
		return sandbox.CmdResult{}, err
	}

	if !wait {
		s.pending = h
		s.mu.Unlock()
		return sandbox.CmdResult{}, nil
	}
	s.mu.Unlock()

	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		h.session.Close()
		return sandbox.CmdResult{}, ctx.Err()
	}
}

// start opens a session and launches cmd in the background, returning a
// handle the caller joins via h.done. It does not consult or mutate
// s.pending, so TerminateExisting can run a pkill command of its own while
// the original async job is still outstanding.
func (s *Shell) start(cmd string) (*asyncHandle, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonSpawnFailed, fmt.Errorf("opening ssh session: %w", err))
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	h := &asyncHandle{cmd: cmd, session: session, done: make(chan struct{})}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, detonerr.NewQemuError(detonerr.ReasonSpawnFailed, fmt.Errorf("starting %q: %w", cmd, err))
	}

	go func() {
		runErr := session.Wait()
		session.Close()
		h.result = sandbox.CmdResult{Output: combinedOutput(stdout.String(), stderr.String())}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			h.result.ExitStatus = exitErr.ExitStatus()
		} else if runErr != nil {
			h.err = detonerr.NewQemuError(detonerr.ReasonExitParse, runErr)
		}
		close(h.done)
	}()

	return h, nil
}

// WaitExisting blocks until the pending async command (started via
// Run(cmd, wait=false)) completes, then returns its result and clears the
// pending slot. It is an error to call WaitExisting with nothing pending
// (detonerr.QemuError{Reason: ReasonNotStarted}).
func (s *Shell) WaitExisting(ctx context.Context) (sandbox.CmdResult, error) {
	s.mu.Lock()
	h := s.pending
	s.mu.Unlock()
	if h == nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonNotStarted, fmt.Errorf("no command in flight"))
	}

	select {
	case <-h.done:
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return sandbox.CmdResult{}, ctx.Err()
	}
}

// TerminateExisting interrupts the pending async command. Because an SSH
// exec session has no remote process handle, interruption runs a second
// session executing "pkill -SIGINT <prog>" against the guest — the
// remote-shell channel cannot send a local signal, it must ask the guest
// to kill the process by name. If that pkill session cannot be started or
// fails, the error is a detonerr.QemuError{Reason:
// ReasonRemoteShellPkillRequired}; otherwise the interrupted command's own
// result is returned.
func (s *Shell) TerminateExisting(ctx context.Context, prog string) (sandbox.CmdResult, error) {
	s.mu.Lock()
	h := s.pending
	s.mu.Unlock()
	if h == nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonNotStarted, fmt.Errorf("no command in flight"))
	}

	killer, err := s.start(fmt.Sprintf("pkill -SIGINT %s", prog))
	if err != nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonRemoteShellPkillRequired, err)
	}
	select {
	case <-killer.done:
	case <-ctx.Done():
		killer.session.Close()
		return sandbox.CmdResult{}, ctx.Err()
	}
	if killer.err != nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonRemoteShellPkillRequired, killer.err)
	}
	if !killer.result.Success() {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonRemoteShellPkillRequired, detonerr.NewUnexpectedExit("pkill", killer.result))
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return sandbox.CmdResult{}, ctx.Err()
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return h.result, h.err
}

// Close releases the underlying SSH client connection.
func (s *Shell) Close() error {
	return s.client.Close()
}

func combinedOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + stderr
}
