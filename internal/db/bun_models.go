// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"time"

	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/security"
	"github.com/uptrace/bun"
)

// UserModel maps the `users` table for Bun queries.
type UserModel struct {
	bun.BaseModel `bun:"table:users,alias:u"`
	ID            int64          `bun:"id,pk,autoincrement"`
	Username      string         `bun:"username"`
	IdentityRef   sql.NullString `bun:"identity_ref"`
	AuthToken     sql.NullString `bun:"auth_token"`
	OTPSecret     []byte         `bun:"otp_secret"`
}

// TargetModel maps the `targets` table.
type TargetModel struct {
	bun.BaseModel `bun:"table:targets,alias:t"`
	ID            int64          `bun:"id,pk,autoincrement"`
	UserID        int64          `bun:"user_id"`
	App           sql.NullString `bun:"app"`
	SSHUser       string         `bun:"ssh_user"`
	Host          string         `bun:"host"`
	Port          int            `bun:"port"`
	Domain        sql.NullString `bun:"domain"`
	GroupLabel    sql.NullString `bun:"group_label"`
	Tags          sql.NullString `bun:"tags"`
}

// StatusModel maps the `status` table. One row per (target, user) pair;
// position preserves batch seed order for NextPendingTarget.
type StatusModel struct {
	bun.BaseModel `bun:"table:status,alias:s"`
	TargetID      int64          `bun:"target_id,pk"`
	UserID        int64          `bun:"user_id,pk"`
	StatusCode    string         `bun:"status_code"`
	ErrorMessage  sql.NullString `bun:"error_message"`
	InstanceID    sql.NullInt64  `bun:"instance_id"`
	Position      int            `bun:"position"`
}

// ApplicationKeyModel maps the `application_keys` table. Private key and
// passphrase columns hold sealed blobs, never plaintext.
type ApplicationKeyModel struct {
	bun.BaseModel `bun:"table:application_keys,alias:k"`
	ID            int64     `bun:"id,pk,autoincrement"`
	UserID        int64     `bun:"user_id"`
	PublicKey     string    `bun:"public_key"`
	PrivateKeyEnc []byte    `bun:"private_key_enc"`
	PassphraseEnc []byte    `bun:"passphrase_enc"`
	KeyType       string    `bun:"key_type"`
	CreatedAt     time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log,alias:a"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp,nullzero,default:current_timestamp"`
	Action        string    `bun:"action"`
	Details       string    `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func userModelToModel(u UserModel) model.User {
	out := model.User{ID: u.ID, Username: u.Username}
	if u.IdentityRef.Valid {
		out.IdentityRef = u.IdentityRef.String
	}
	if u.AuthToken.Valid {
		out.AuthToken = u.AuthToken.String
	}
	if len(u.OTPSecret) > 0 {
		out.OTPSecret = security.FromBytes(u.OTPSecret)
	}
	return out
}

func targetModelToModel(t TargetModel) model.TargetHost {
	out := model.TargetHost{
		ID:     t.ID,
		UserID: t.UserID,
		User:   t.SSHUser,
		Host:   t.Host,
		Port:   t.Port,
	}
	if t.App.Valid {
		out.App = t.App.String
	}
	if t.Domain.Valid {
		out.Domain = t.Domain.String
	}
	if t.GroupLabel.Valid {
		out.Group = t.GroupLabel.String
	}
	if t.Tags.Valid {
		out.Tags = t.Tags.String
	}
	return out
}

func targetModelFromModel(t model.TargetHost) TargetModel {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return TargetModel{
		ID:         t.ID,
		UserID:     t.UserID,
		App:        nullString(t.App),
		SSHUser:    t.User,
		Host:       t.Host,
		Port:       port,
		Domain:     nullString(t.Domain),
		GroupLabel: nullString(t.Group),
		Tags:       nullString(t.Tags),
	}
}

func statusModelToModel(s StatusModel) model.ConnectionStatus {
	out := model.ConnectionStatus{
		TargetID:   s.TargetID,
		UserID:     s.UserID,
		StatusCode: s.StatusCode,
	}
	if s.ErrorMessage.Valid {
		out.ErrorMsg = s.ErrorMessage.String
	}
	if s.InstanceID.Valid {
		out.InstanceID = int(s.InstanceID.Int64)
	}
	return out
}

func keyModelToModel(k ApplicationKeyModel) model.KeyMaterial {
	return model.KeyMaterial{
		ID:            k.ID,
		UserID:        k.UserID,
		PublicKey:     k.PublicKey,
		PrivateKeyEnc: k.PrivateKeyEnc,
		PassphraseEnc: k.PassphraseEnc,
		KeyType:       k.KeyType,
		CreatedAt:     k.CreatedAt,
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
