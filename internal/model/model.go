// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package model holds the shared domain types for Gatehouse: target hosts,
// per-user key material, and the connection status rows that drive the
// batch workflow.
package model

import (
	"fmt"
	"time"

	"github.com/gatehouse/gatehouse/internal/security"
)

// Connection status codes. A row starts at StatusInitial when a batch is
// seeded and is written exactly once per connection attempt.
const (
	StatusInitial       = "INITIAL"
	StatusSuccess       = "SUCCESS"
	StatusAuthFail      = "AUTH_FAIL"
	StatusPublicKeyFail = "PUBLIC_KEY_FAIL"
	StatusHostFail      = "HOST_FAIL"
	StatusGenericFail   = "GENERIC_FAIL"
)

// RetryableStatus reports whether a status code can be resolved by
// re-prompting the operator for a password or passphrase. Host and generic
// failures are terminal for the target; only a new batch retries those.
func RetryableStatus(code string) bool {
	return code == StatusAuthFail || code == StatusPublicKeyFail
}

// TerminalStatus reports whether a status code ends the workflow for its
// target within the current batch.
func TerminalStatus(code string) bool {
	return code == StatusSuccess || code == StatusHostFail || code == StatusGenericFail
}

// TargetHost is an immutable snapshot of a remote endpoint a user may open a
// shell on. Rows are replaced wholesale on inventory refresh, never patched.
type TargetHost struct {
	ID     int64
	UserID int64
	App    string
	User   string
	Host   string
	Port   int
	Domain string
	Group  string
	Tags   string
}

// Addr returns the dialable host:port of the target.
func (t TargetHost) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// String returns the user@host representation.
func (t TargetHost) String() string {
	return fmt.Sprintf("%s@%s", t.User, t.Host)
}

// KeyMaterial is the per-user application key pair. The private key and
// passphrase are sealed at rest and only opened transiently inside a single
// connection attempt.
type KeyMaterial struct {
	ID            int64
	UserID        int64
	PublicKey     string
	PrivateKeyEnc []byte
	PassphraseEnc []byte
	KeyType       string
	CreatedAt     time.Time
}

// KeyName returns the name under which the public key is installed on the
// identity provider side.
func (k KeyMaterial) KeyName() string {
	return fmt.Sprintf("gatehouse-%d", k.UserID)
}

// ConnectionStatus is one row per (user, target): the outcome of the most
// recent connection attempt for that pair.
type ConnectionStatus struct {
	TargetID   int64
	UserID     int64
	StatusCode string
	ErrorMsg   string
	InstanceID int
}

// User is an operator account. OTP verification and token issuance live in
// the web tier; the columns are persisted here so the stores agree on shape.
type User struct {
	ID          int64
	Username    string
	IdentityRef string
	AuthToken   string
	// Excluded from backups: the Secret type redacts itself on marshal, and
	// a redacted value must never round-trip into a restored database.
	OTPSecret security.Secret `json:"-"`
}

// AuditLogEntry is one recorded action (key created, batch seeded, session
// opened/closed) for the operator-facing audit trail.
type AuditLogEntry struct {
	ID        int64
	Timestamp time.Time
	Action    string
	Details   string
}

// BackupData is the portable snapshot written by `gatehouse backup export`.
type BackupData struct {
	Users    []User             `json:"users"`
	Targets  []TargetHost       `json:"targets"`
	Keys     []KeyMaterial      `json:"keys"`
	Statuses []ConnectionStatus `json:"statuses"`
}
