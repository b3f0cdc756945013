// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package session

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/testutil"
)

func TestPumpAppendsUntilEOF(t *testing.T) {
	pr, pw := io.Pipe()
	buf := &Buffer{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		Pump(pr, buf)
	}()

	chunks := [][]byte{[]byte("login: "), []byte("motd\r\n"), []byte("$ ")}
	for _, c := range chunks {
		if _, err := pw.Write(c); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	_ = pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not exit after stream close")
	}

	got := buf.Drain()
	want := bytes.Join(chunks, nil)
	if !bytes.Equal(got, want) {
		t.Fatalf("buffer = %q, want %q", got, want)
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer not cleared by Drain")
	}
}

func TestPumpExitsOnReadError(t *testing.T) {
	pr, pw := io.Pipe()
	buf := &Buffer{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		Pump(pr, buf)
	}()

	_ = pw.CloseWithError(io.ErrUnexpectedEOF)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not exit on read error")
	}
}

func TestPumpStopsWithinBoundedTimeOfRemoteClose(t *testing.T) {
	conn := testutil.NewFakeConn()
	l := NewLive(1, model.TargetHost{ID: 1, User: "deploy", Host: "h"}, conn)
	l.StartPump()

	conn.RemoteWrite([]byte("output before close"))
	conn.RemoteCloseOutput()

	select {
	case <-l.PumpDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("pump still running after remote closed the stream")
	}
	if got := string(l.Output.Drain()); got != "output before close" {
		t.Fatalf("buffer = %q", got)
	}
}

func TestBufferConcurrentAppendDrain(t *testing.T) {
	buf := &Buffer{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			buf.Append([]byte("x"))
		}
	}()

	total := 0
	for {
		total += len(buf.Drain())
		select {
		case <-done:
			total += len(buf.Drain())
			if total != 1000 {
				t.Fatalf("drained %d bytes, want 1000", total)
			}
			return
		default:
		}
	}
}
