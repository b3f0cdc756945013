// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package console drives the batch connection workflow: seed status rows
// for a selection of targets, walk them in order, open shell sessions on
// success, and pause for operator credentials on retryable failures.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/keystore"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/security"
	"github.com/gatehouse/gatehouse/internal/session"
	"github.com/gatehouse/gatehouse/internal/transport"
)

// ErrNothingPending is returned by RetryCurrent when no attempt is paused
// waiting for credentials.
var ErrNothingPending = errors.New("console: no paused connection attempt")

// Orchestrator owns one user-facing console service: the store, the key
// material, the dialer, and the registry of live sessions. All collaborators
// are injected; tests swap the dialer for a scripted fake.
type Orchestrator struct {
	store    db.Store
	keys     *keystore.KeyStore
	dialer   transport.Dialer
	registry *session.Registry
	pty      transport.PTY

	mu sync.Mutex
	// target paused mid-batch per user, awaiting fresh credentials
	paused    map[int64]int64
	userLocks map[int64]*sync.Mutex
}

// New wires an orchestrator from its collaborators.
func New(store db.Store, keys *keystore.KeyStore, dialer transport.Dialer, registry *session.Registry, pty transport.PTY) *Orchestrator {
	if pty.Term == "" {
		pty = transport.DefaultPTY("")
	}
	return &Orchestrator{
		store:     store,
		keys:      keys,
		dialer:    dialer,
		registry:  registry,
		pty:       pty,
		paused:    make(map[int64]int64),
		userLocks: make(map[int64]*sync.Mutex),
	}
}

// lockUser serializes batch progress per user. Two users advance their
// batches independently; one user never has two advances in flight.
func (o *Orchestrator) lockUser(userID int64) func() {
	o.mu.Lock()
	l := o.userLocks[userID]
	if l == nil {
		l = &sync.Mutex{}
		o.userLocks[userID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) setPaused(userID, targetID int64) {
	o.mu.Lock()
	o.paused[userID] = targetID
	o.mu.Unlock()
}

func (o *Orchestrator) clearPaused(userID int64) {
	o.mu.Lock()
	delete(o.paused, userID)
	o.mu.Unlock()
}

func (o *Orchestrator) pausedTarget(userID int64) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.paused[userID]
	return id, ok
}

// StartBatch seeds INITIAL status rows for the selected targets and starts
// connecting. Any previous batch state for the user is discarded. The return
// value is the status that paused the batch, or nil when every target was
// driven to a terminal state.
func (o *Orchestrator) StartBatch(ctx context.Context, userID int64, targetIDs []int64) (*model.ConnectionStatus, error) {
	if len(targetIDs) == 0 {
		return nil, errors.New("console: empty target selection")
	}
	unlock := o.lockUser(userID)
	defer unlock()

	// Selections are validated against the user's own inventory before any
	// row is written.
	for _, id := range targetIDs {
		if _, err := o.store.GetTarget(userID, id); err != nil {
			return nil, fmt.Errorf("target %d: %w", id, err)
		}
	}
	if err := o.store.SeedStatuses(userID, targetIDs); err != nil {
		return nil, fmt.Errorf("seed batch: %w", err)
	}
	o.clearPaused(userID)
	return o.advanceLocked(ctx, userID, "", nil)
}

// Advance resumes the batch walk from the next pending target using stored
// credentials only. Returns the pausing status, or nil when the batch is
// complete.
func (o *Orchestrator) Advance(ctx context.Context, userID int64) (*model.ConnectionStatus, error) {
	unlock := o.lockUser(userID)
	defer unlock()
	return o.advanceLocked(ctx, userID, "", nil)
}

// RetryCurrent re-attempts the paused target with operator-supplied
// credentials. Passphrase unlocks the application key; password is offered
// as an additional auth method. On success the batch resumes automatically.
func (o *Orchestrator) RetryCurrent(ctx context.Context, userID int64, passphrase string, password security.Secret) (*model.ConnectionStatus, error) {
	unlock := o.lockUser(userID)
	defer unlock()

	targetID, ok := o.pausedTarget(userID)
	if !ok {
		return nil, ErrNothingPending
	}
	target, err := o.store.GetTarget(userID, targetID)
	if err != nil {
		return nil, fmt.Errorf("paused target %d: %w", targetID, err)
	}

	st, err := o.attempt(ctx, userID, *target, passphrase, password)
	if err != nil {
		return nil, err
	}
	if model.RetryableStatus(st.StatusCode) {
		// Still stuck on the same target; wait for another prompt round.
		return st, nil
	}
	o.clearPaused(userID)
	if st.StatusCode != model.StatusSuccess {
		// Terminal failure: record stands, batch moves past it.
		logging.Warnf("target %s: %s after retry, moving on", target, st.StatusCode)
	}
	return o.advanceLocked(ctx, userID, "", nil)
}

// advanceLocked walks pending targets in seed order. SUCCESS keeps the loop
// moving; a retryable failure pauses the batch on that target; host and
// generic failures are recorded and skipped. Caller holds the user lock.
func (o *Orchestrator) advanceLocked(ctx context.Context, userID int64, passphrase string, password security.Secret) (*model.ConnectionStatus, error) {
	for {
		target, err := o.store.NextPendingTarget(userID)
		if err != nil {
			return nil, fmt.Errorf("next pending target: %w", err)
		}
		if target == nil {
			return nil, nil
		}

		st, err := o.attempt(ctx, userID, *target, passphrase, password)
		if err != nil {
			return nil, err
		}
		switch {
		case st.StatusCode == model.StatusSuccess:
			continue
		case model.RetryableStatus(st.StatusCode):
			o.setPaused(userID, target.ID)
			return st, nil
		default:
			logging.Warnf("target %s: %s: %s", target, st.StatusCode, st.ErrorMsg)
			continue
		}
	}
}

// attempt runs exactly one connection attempt against one target and writes
// exactly one status row for it. A session is registered and its pump
// started only once the connection is fully established.
func (o *Orchestrator) attempt(ctx context.Context, userID int64, target model.TargetHost, passphrase string, password security.Secret) (*model.ConnectionStatus, error) {
	km, err := o.keys.GetOrCreate(userID)
	if err != nil {
		return nil, fmt.Errorf("application key: %w", err)
	}

	signer, err := o.keys.Signer(km, passphrase)
	if err != nil {
		if passphrase != "" {
			// A wrong operator passphrase is a credential failure, not an
			// infrastructure one: record it and let the prompt loop retry.
			st := &model.ConnectionStatus{
				TargetID:   target.ID,
				UserID:     userID,
				StatusCode: model.StatusAuthFail,
				ErrorMsg:   "passphrase rejected for application key",
			}
			return st, o.writeStatus(st)
		}
		return nil, fmt.Errorf("open application key: %w", err)
	}

	creds := transport.Credentials{Signer: signer, Password: password}
	conn, err := o.dialer.Dial(ctx, target, creds, o.pty)
	if err != nil {
		st := &model.ConnectionStatus{
			TargetID:   target.ID,
			UserID:     userID,
			StatusCode: classifyDial(err, len(password) > 0),
			ErrorMsg:   err.Error(),
		}
		return st, o.writeStatus(st)
	}

	live := session.NewLive(userID, target, conn)
	instanceID := o.registry.Register(live)
	live.StartPump()

	st := &model.ConnectionStatus{
		TargetID:   target.ID,
		UserID:     userID,
		StatusCode: model.StatusSuccess,
		InstanceID: instanceID,
	}
	if err := o.writeStatus(st); err != nil {
		return nil, err
	}
	_ = o.store.LogAction("OPEN_SESSION", fmt.Sprintf("user_id: %d, target: %s, instance: %d", userID, target, instanceID))
	logging.Infof("session %d opened for %s", instanceID, target)
	return st, nil
}

func (o *Orchestrator) writeStatus(st *model.ConnectionStatus) error {
	if err := o.store.UpdateStatus(st); err != nil {
		return fmt.Errorf("record status for target %d: %w", st.TargetID, err)
	}
	return nil
}

// classifyDial maps a dial failure to a status code, using the structured
// kind when the transport provided one.
func classifyDial(err error, passwordOffered bool) string {
	var de *transport.DialError
	if errors.As(err, &de) {
		return de.Kind.StatusCode()
	}
	return transport.Classify(err, passwordOffered).StatusCode()
}

// Statuses returns the batch state for a user in seed order.
func (o *Orchestrator) Statuses(userID int64) ([]model.ConnectionStatus, error) {
	return o.store.ListStatuses(userID)
}

// Sessions returns the user's live sessions ordered by instance id.
func (o *Orchestrator) Sessions(userID int64) []*session.Live {
	return o.registry.ListForUser(userID)
}

// Send writes one command line to a live session.
func (o *Orchestrator) Send(userID int64, instanceID int, line string) error {
	l := o.registry.Get(userID, instanceID)
	if l == nil {
		return fmt.Errorf("console: no session %d for user %d", instanceID, userID)
	}
	return l.Send(line)
}

// Resize changes the pty geometry of a live session.
func (o *Orchestrator) Resize(userID int64, instanceID, cols, rows int) error {
	l := o.registry.Get(userID, instanceID)
	if l == nil {
		return fmt.Errorf("console: no session %d for user %d", instanceID, userID)
	}
	return l.Resize(cols, rows)
}

// Disconnect tears down a live session and frees its instance id.
func (o *Orchestrator) Disconnect(userID int64, instanceID int) error {
	err := o.registry.Disconnect(userID, instanceID)
	_ = o.store.LogAction("CLOSE_SESSION", fmt.Sprintf("user_id: %d, instance: %d", userID, instanceID))
	return err
}

// DisconnectAll tears down every live session for a user.
func (o *Orchestrator) DisconnectAll(userID int64) {
	o.registry.DisconnectAll(userID)
}
