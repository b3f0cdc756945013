// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gatehouse/gatehouse/internal/model"
)

// FailureKind is the structured classification of a failed connection
// attempt. The batch workflow keys off this tag, never off error text.
type FailureKind int

const (
	// FailureKeyRejected: the target did not accept the application key.
	// Retryable once the operator supplies a password.
	FailureKeyRejected FailureKind = iota
	// FailureAuthRejected: a supplied password or passphrase was rejected
	// or the auth exchange was cancelled. Retryable with new credentials.
	FailureAuthRejected
	// FailureHostUnreachable: name resolution or connectivity failure.
	// Terminal for the target within this batch.
	FailureHostUnreachable
	// FailureOther: anything else. Terminal for the target.
	FailureOther
)

// StatusCode maps a failure kind to the persisted status code.
func (k FailureKind) StatusCode() string {
	switch k {
	case FailureKeyRejected:
		return model.StatusPublicKeyFail
	case FailureAuthRejected:
		return model.StatusAuthFail
	case FailureHostUnreachable:
		return model.StatusHostFail
	default:
		return model.StatusGenericFail
	}
}

// DialError is the classified result of a failed dial. It wraps the raw
// transport error so callers can log detail without parsing it.
type DialError struct {
	Kind FailureKind
	Err  error
}

func (e *DialError) Error() string {
	return e.Err.Error()
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Classify tags a raw dial error. passwordOffered distinguishes a rejected
// key (the only method offered was the application key) from a rejected
// credential (the operator's password was in play).
//
// The ssh package does not expose typed auth errors, so the auth branch
// falls back to matching the stable "unable to authenticate" wording. That
// heuristic is confined to this function and covered by its own tests; if
// golang.org/x/crypto ever rewords the message, this is the only place to
// touch.
func Classify(err error, passwordOffered bool) FailureKind {
	if err == nil {
		return FailureOther
	}

	// Connectivity failures have typed errors; check those first.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureHostUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureHostUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureHostUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureHostUnreachable
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		if passwordOffered {
			return FailureAuthRejected
		}
		return FailureKeyRejected
	}
	if strings.Contains(msg, "disconnected by user") || strings.Contains(msg, "auth cancel") {
		return FailureAuthRejected
	}
	if strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "network is unreachable") {
		return FailureHostUnreachable
	}

	return FailureOther
}
