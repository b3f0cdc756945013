// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package transport opens interactive shell channels on remote hosts over
// SSH. It is the only package that touches golang.org/x/crypto/ssh for the
// console path; failures cross its boundary as classified DialErrors, never
// as raw transport errors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/security"
	"golang.org/x/crypto/ssh"
)

// Default pty geometry for new shells, based on 80x24 at 640x480.
const (
	DefaultTerm = "vt102"
	DefaultCols = 98
	DefaultRows = 24
)

// Credentials carries the identity offered for one connection attempt. The
// password is optional; the signer is the user's application key.
type Credentials struct {
	Signer   ssh.Signer
	Password security.Secret
}

// PTY describes the pseudo-terminal requested on the shell channel.
type PTY struct {
	Term string
	Cols int
	Rows int
}

// DefaultPTY returns the geometry used when the caller has no settings.
func DefaultPTY(term string) PTY {
	if term == "" {
		term = DefaultTerm
	}
	return PTY{Term: term, Cols: DefaultCols, Rows: DefaultRows}
}

// Conn is one established transport connection carrying one interactive
// shell channel. Close tears down both, best effort, and causes the output
// reader to return EOF.
type Conn interface {
	// Stdin is the channel's input sink.
	Stdin() io.WriteCloser
	// Stdout is the channel's output stream. It returns EOF once the
	// channel closes.
	Stdout() io.Reader
	// Resize changes the pty geometry. Effective only while the channel is
	// open.
	Resize(cols, rows int) error
	Close() error
}

// Dialer opens shell connections. The concrete SSHDialer is swapped for a
// fake in orchestrator tests.
type Dialer interface {
	Dial(ctx context.Context, target model.TargetHost, creds Credentials, pty PTY) (Conn, error)
}

// SSHDialer dials real hosts with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// Timeout bounds the TCP connect + handshake.
	Timeout time.Duration
}

// NewSSHDialer returns a dialer with the given connect timeout.
func NewSSHDialer(timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SSHDialer{Timeout: timeout}
}

// Dial opens a transport connection and a shell channel with a pty. On
// failure it returns a *DialError carrying the classification; no partial
// connection is ever returned.
func (d *SSHDialer) Dial(ctx context.Context, target model.TargetHost, creds Credentials, pty PTY) (Conn, error) {
	var auth []ssh.AuthMethod
	if creds.Signer != nil {
		auth = append(auth, ssh.PublicKeys(creds.Signer))
	}
	passwordOffered := len(creds.Password) > 0
	if passwordOffered {
		auth = append(auth, ssh.Password(string(creds.Password)))
	}

	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: auth,
		// Host keys are not verified. Targets are dynamically discovered,
		// short-lived infrastructure replaced wholesale on every inventory
		// refresh; there is no stable identity to pin. This is a deliberate
		// trade-off, not an oversight.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", target.Addr(), cfg)
		ch <- dialResult{client, err}
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		// The dial goroutine cleans up after itself when it completes.
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &DialError{Kind: FailureHostUnreachable, Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return nil, &DialError{Kind: Classify(r.err, passwordOffered), Err: r.err}
		}
		client = r.client
	}

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &DialError{Kind: FailureOther, Err: fmt.Errorf("open shell channel: %w", err)}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if pty.Term == "" {
		pty = DefaultPTY("")
	}
	if err := sess.RequestPty(pty.Term, pty.Rows, pty.Cols, modes); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, &DialError{Kind: FailureOther, Err: fmt.Errorf("request pty: %w", err)}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, &DialError{Kind: FailureOther, Err: fmt.Errorf("open stdin: %w", err)}
	}
	// With a pty the remote merges stderr into the terminal stream, so the
	// stdout pipe carries everything the operator should see.
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, &DialError{Kind: FailureOther, Err: fmt.Errorf("open stdout: %w", err)}
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, &DialError{Kind: FailureOther, Err: fmt.Errorf("start shell: %w", err)}
	}

	return &sshConn{client: client, sess: sess, stdin: stdin, stdout: stdout}, nil
}

type sshConn struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (c *sshConn) Stdin() io.WriteCloser { return c.stdin }
func (c *sshConn) Stdout() io.Reader     { return c.stdout }

func (c *sshConn) Resize(cols, rows int) error {
	return c.sess.WindowChange(rows, cols)
}

// Close tears down the shell channel and the transport connection. Both are
// attempted even if the first fails; the stdout reader observes EOF either
// way.
func (c *sshConn) Close() error {
	errSess := c.sess.Close()
	errClient := c.client.Close()
	if errSess != nil && !errors.Is(errSess, io.EOF) {
		return errors.Join(errSess, errClient)
	}
	return errClient
}
