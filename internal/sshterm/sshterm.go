// Package sshterm opens interactive PTY shell sessions on lab nodes over
// SSH. It wraps golang.org/x/crypto/ssh and exposes the session as a
// backend transport for the websocket bridge: blocking stdin/stdout/stderr
// streams plus a window-change control call.
package sshterm

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/labfoundry/labgate/internal/targets"
)

// ConnectTimeout bounds the TCP dial, the SSH handshake, and the channel
// open for a backend connection attempt.
const ConnectTimeout = 10 * time.Second

// Initial PTY geometry; clients send a resize immediately after attach.
const (
	defaultCols = 120
	defaultRows = 32
)

// Session is a live PTY shell on a lab node. It owns the underlying SSH
// client connection exclusively.
type Session struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Connect dials the target, authenticates with its password, and starts an
// interactive shell with a PTY. Every partially-opened resource is released
// on failure. Host keys are not verified: lab nodes regenerate keys on
// every run.
func Connect(ctx context.Context, t targets.Target) (*Session, error) {
	cfg := &ssh.ClientConfig{
		User: t.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(t.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         ConnectTimeout,
	}

	addr := net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))

	dialer := net.Dialer{Timeout: ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", defaultRows, defaultCols, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &Session{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}

	go func() {
		s.session.Wait()
		close(s.done)
	}()

	return s, nil
}

// Input returns the shell stdin stream. SSH channel writes flush
// immediately; there is no buffering delay.
func (s *Session) Input() io.Writer { return s.stdin }

// Output returns the shell stdout stream.
func (s *Session) Output() io.Reader { return s.stdout }

// Errout returns the shell stderr stream.
func (s *Session) Errout() io.Reader { return s.stderr }

// Resize applies new PTY dimensions.
func (s *Session) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Done is closed once the remote shell has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close shuts the session down: the channel is closed, the remote shell is
// given at most wait to exit, then the SSH connection is released
// unconditionally. Safe to call more than once.
func (s *Session) Close(wait time.Duration) error {
	s.closeOnce.Do(func() {
		s.session.Close()
		if wait > 0 {
			select {
			case <-s.done:
			case <-time.After(wait):
			}
		}
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
