// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package session owns the live shell sessions: the per-user registry, the
// instance id space, and the output pumps. All shared mutation goes through
// the Registry; nothing else touches the session maps.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/transport"
)

// Live is one established, registered shell session. The connection handle
// is private; input, resize, and teardown go through methods so the
// registry's ownership stays intact.
type Live struct {
	UserID     int64
	InstanceID int
	Target     model.TargetHost
	Output     *Buffer

	conn      transport.Conn
	pumpDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewLive wraps an established connection. The session is inert until it is
// registered and its pump started.
func NewLive(userID int64, target model.TargetHost, conn transport.Conn) *Live {
	return &Live{
		UserID:   userID,
		Target:   target,
		Output:   &Buffer{},
		conn:     conn,
		pumpDone: make(chan struct{}),
	}
}

// StartPump launches the background worker that drains channel output into
// the session buffer. Call exactly once, after registration.
func (l *Live) StartPump() {
	go func() {
		defer close(l.pumpDone)
		Pump(l.conn.Stdout(), l.Output)
	}()
}

// PumpDone is closed once the pump has observed end-of-stream and exited.
func (l *Live) PumpDone() <-chan struct{} {
	return l.pumpDone
}

// Send writes one command line to the session's input sink, appending a
// newline.
func (l *Live) Send(line string) error {
	_, err := fmt.Fprintln(l.conn.Stdin(), line)
	return err
}

// Write sends raw bytes (e.g. individual keystrokes) to the input sink.
func (l *Live) Write(p []byte) (int, error) {
	return l.conn.Stdin().Write(p)
}

// Resize changes the pty geometry of the open channel.
func (l *Live) Resize(cols, rows int) error {
	return l.conn.Resize(cols, rows)
}

// Close tears down the channel and transport. Idempotent; the pump observes
// end-of-stream as a consequence and exits on its own.
func (l *Live) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// Registry is the process-wide mapping of userID -> instanceID -> Live.
// It serializes all mutation; instance id allocation happens under the same
// lock as insertion so an id can never be handed out twice.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[int]*Live
}

// NewRegistry returns an empty registry. It is injected, not ambient: each
// console service owns exactly one.
func NewRegistry() *Registry {
	return &Registry{users: make(map[int64]map[int]*Live)}
}

// Register assigns the lowest free instance id (starting at 1) for the
// session's user, records the session under it, and returns the id. A slot
// freed by a prior disconnect is reused before any higher id.
func (r *Registry) Register(l *Live) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.users[l.UserID]
	if sessions == nil {
		sessions = make(map[int]*Live)
		r.users[l.UserID] = sessions
	}
	id := 1
	for {
		if _, taken := sessions[id]; !taken {
			break
		}
		id++
	}
	l.InstanceID = id
	sessions[id] = l
	return id
}

// NextInstanceID reports the id Register would assign next for a user.
func (r *Registry) NextInstanceID(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := 1
	for {
		if _, taken := r.users[userID][id]; !taken {
			return id
		}
		id++
	}
}

// Get returns the live session for (user, instance) or nil.
func (r *Registry) Get(userID int64, instanceID int) *Live {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID][instanceID]
}

// Remove deletes the entry for (user, instance). Idempotent; removing an
// absent id is not an error.
func (r *Registry) Remove(userID int64, instanceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.users[userID]
	if sessions == nil {
		return
	}
	delete(sessions, instanceID)
	if len(sessions) == 0 {
		delete(r.users, userID)
	}
}

// ListForUser returns a user's live sessions ordered by instance id.
func (r *Registry) ListForUser(userID int64) []*Live {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.users[userID]
	out := make([]*Live, 0, len(sessions))
	for _, l := range sessions {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Disconnect closes the session's channel and transport, then removes it
// from the registry. Removal happens even when close fails: a teardown
// error is logged, never allowed to leave a stale entry behind. The id
// becomes reusable only after the close attempt, so a fresh session can
// never share resources with a half-dead one.
func (r *Registry) Disconnect(userID int64, instanceID int) error {
	l := r.Get(userID, instanceID)
	if l == nil {
		return nil
	}
	err := l.Close()
	if err != nil {
		logging.Warnf("session %d/%d: teardown error: %v", userID, instanceID, err)
	}
	r.Remove(userID, instanceID)
	return err
}

// DisconnectAll tears down every session for a user (logout / shutdown).
func (r *Registry) DisconnectAll(userID int64) {
	for _, l := range r.ListForUser(userID) {
		_ = r.Disconnect(userID, l.InstanceID)
	}
}

// Shutdown tears down every session in the registry.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	userIDs := make([]int64, 0, len(r.users))
	for id := range r.users {
		userIDs = append(userIDs, id)
	}
	r.mu.RUnlock()
	for _, id := range userIDs {
		r.DisconnectAll(id)
	}
}
