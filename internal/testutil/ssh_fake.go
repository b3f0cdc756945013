// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/transport"
)

// FakeConn is a test double for transport.Conn backed by in-memory pipes.
// Tests play the remote side: RemoteWrite feeds the stdout stream and
// RemoteReadLine observes what was sent to stdin.
type FakeConn struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu     sync.Mutex
	closed bool
	cols   int
	rows   int

	// CloseFunc, if set, is called once when Close() is invoked. Its error
	// is returned in addition to normal teardown.
	CloseFunc func() error
}

// NewFakeConn returns a ready-to-use FakeConn.
func NewFakeConn() *FakeConn {
	c := &FakeConn{}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	return c
}

func (c *FakeConn) Stdin() io.WriteCloser { return c.stdinW }
func (c *FakeConn) Stdout() io.Reader     { return c.stdoutR }

func (c *FakeConn) Resize(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = cols, rows
	return nil
}

// Geometry returns the last requested pty size.
func (c *FakeConn) Geometry() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// Close tears down both pipes; the session pump observes EOF on stdout.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.CloseFunc
	c.mu.Unlock()

	_ = c.stdoutW.Close()
	_ = c.stdinR.Close()
	if fn != nil {
		return fn()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteWrite emits bytes on the session's output stream, as the remote
// shell would.
func (c *FakeConn) RemoteWrite(p []byte) {
	_, _ = c.stdoutW.Write(p)
}

// RemoteCloseOutput ends the output stream without a full Close (remote
// side went away).
func (c *FakeConn) RemoteCloseOutput() {
	_ = c.stdoutW.Close()
}

// RemoteReader exposes the stdin stream so tests can read what was sent.
func (c *FakeConn) RemoteReader() io.Reader { return c.stdinR }

// FakeDialer scripts connection attempts for orchestrator tests. DialFunc
// decides per call; Calls records every target attempted in order.
type FakeDialer struct {
	DialFunc func(target model.TargetHost, creds transport.Credentials) (transport.Conn, error)

	mu    sync.Mutex
	calls []model.TargetHost
}

func (d *FakeDialer) Dial(ctx context.Context, target model.TargetHost, creds transport.Credentials, pty transport.PTY) (transport.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, target)
	d.mu.Unlock()
	return d.DialFunc(target, creds)
}

// Calls returns the targets attempted so far.
func (d *FakeDialer) Calls() []model.TargetHost {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.TargetHost, len(d.calls))
	copy(out, d.calls)
	return out
}
