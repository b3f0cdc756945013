// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/uptrace/bun"
)

// BunStore implements Store on a *bun.DB. The same implementation serves
// sqlite, postgres, and mysql; dialect differences live in bun and in the
// per-dialect migration files.
type BunStore struct {
	bun *bun.DB
}

// NewBunStore wraps an existing bun.DB. Used by tests and by backup/migrate
// tooling that already holds a handle.
func NewBunStore(bdb *bun.DB) *BunStore {
	return &BunStore{bun: bdb}
}

// GetOrCreateUser returns the user row for a username, creating it on first
// reference.
func (s *BunStore) GetOrCreateUser(username string) (*model.User, error) {
	ctx := context.Background()
	var um UserModel
	err := s.bun.NewSelect().Model(&um).Where("username = ?", username).Limit(1).Scan(ctx)
	if err == nil {
		u := userModelToModel(um)
		return &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, MapDBError(err)
	}

	um = UserModel{Username: username}
	if _, err := s.bun.NewInsert().Model(&um).Exec(ctx); err != nil {
		return nil, MapDBError(err)
	}
	u := userModelToModel(um)
	return &u, nil
}

// GetUserByUsername returns the user row for a username, or ErrNotFound.
func (s *BunStore) GetUserByUsername(username string) (*model.User, error) {
	ctx := context.Background()
	var um UserModel
	err := s.bun.NewSelect().Model(&um).Where("username = ?", username).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u := userModelToModel(um)
	return &u, nil
}

// GetKeyMaterial returns the sealed key pair for a user, or nil when the
// user has none yet.
func (s *BunStore) GetKeyMaterial(userID int64) (*model.KeyMaterial, error) {
	ctx := context.Background()
	var km ApplicationKeyModel
	err := s.bun.NewSelect().Model(&km).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m := keyModelToModel(km)
	return &m, nil
}

// SaveKeyMaterial inserts a new key row for a user. The user_id unique
// constraint enforces the one-record-per-user invariant.
func (s *BunStore) SaveKeyMaterial(km *model.KeyMaterial) (int64, error) {
	ctx := context.Background()
	m := ApplicationKeyModel{
		UserID:        km.UserID,
		PublicKey:     km.PublicKey,
		PrivateKeyEnc: km.PrivateKeyEnc,
		PassphraseEnc: km.PassphraseEnc,
		KeyType:       km.KeyType,
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	_ = s.LogAction("CREATE_APPLICATION_KEY", fmt.Sprintf("user_id: %d, type: %s", km.UserID, km.KeyType))
	return m.ID, nil
}

// ReplaceKeyMaterial swaps a user's key pair for a new one in a single
// transaction (rotation path).
func (s *BunStore) ReplaceKeyMaterial(km *model.KeyMaterial) (int64, error) {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewDelete().Model((*ApplicationKeyModel)(nil)).Where("user_id = ?", km.UserID).Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete old key: %w", err)
	}
	m := ApplicationKeyModel{
		UserID:        km.UserID,
		PublicKey:     km.PublicKey,
		PrivateKeyEnc: km.PrivateKeyEnc,
		PassphraseEnc: km.PassphraseEnc,
		KeyType:       km.KeyType,
	}
	if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to insert new key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	_ = s.LogAction("ROTATE_APPLICATION_KEY", fmt.Sprintf("user_id: %d", km.UserID))
	return m.ID, nil
}

// ReplaceTargets discards a user's target rows and inserts the given set in
// one transaction. Old rows are never patched in place; the inventory source
// is authoritative.
func (s *BunStore) ReplaceTargets(userID int64, targets []model.TargetHost) error {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewDelete().Model((*TargetModel)(nil)).Where("user_id = ?", userID).Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear targets: %w", err)
	}
	for i := range targets {
		tm := targetModelFromModel(targets[i])
		tm.UserID = userID
		if _, err := tx.NewInsert().Model(&tm).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert target %s: %w", targets[i], err)
		}
	}
	return tx.Commit()
}

// GetTargets returns all targets for a user ordered by id.
func (s *BunStore) GetTargets(userID int64) ([]model.TargetHost, error) {
	ctx := context.Background()
	var tms []TargetModel
	if err := s.bun.NewSelect().Model(&tms).Where("user_id = ?", userID).Order("id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.TargetHost, 0, len(tms))
	for _, tm := range tms {
		out = append(out, targetModelToModel(tm))
	}
	return out, nil
}

// GetTarget returns one target scoped to its owner, or ErrNotFound.
func (s *BunStore) GetTarget(userID, targetID int64) (*model.TargetHost, error) {
	ctx := context.Background()
	var tm TargetModel
	err := s.bun.NewSelect().Model(&tm).Where("id = ? AND user_id = ?", targetID, userID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := targetModelToModel(tm)
	return &t, nil
}

// SeedStatuses replaces a user's status rows with INITIAL rows for the given
// targets, preserving selection order in the position column.
func (s *BunStore) SeedStatuses(userID int64, targetIDs []int64) error {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewDelete().Model((*StatusModel)(nil)).Where("user_id = ?", userID).Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear status rows: %w", err)
	}
	for i, id := range targetIDs {
		sm := StatusModel{
			TargetID:   id,
			UserID:     userID,
			StatusCode: model.StatusInitial,
			Position:   i,
		}
		if _, err := tx.NewInsert().Model(&sm).Exec(ctx); err != nil {
			return fmt.Errorf("failed to seed status for target %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_ = s.LogAction("SEED_BATCH", fmt.Sprintf("user_id: %d, targets: %d", userID, len(targetIDs)))
	return nil
}

// GetStatus returns the status row for a user/target pair, or ErrNotFound.
func (s *BunStore) GetStatus(userID, targetID int64) (*model.ConnectionStatus, error) {
	ctx := context.Background()
	var sm StatusModel
	err := s.bun.NewSelect().Model(&sm).Where("target_id = ? AND user_id = ?", targetID, userID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st := statusModelToModel(sm)
	return &st, nil
}

// UpdateStatus writes the outcome of a connection attempt back to the row.
func (s *BunStore) UpdateStatus(st *model.ConnectionStatus) error {
	ctx := context.Background()
	sm := StatusModel{
		TargetID:     st.TargetID,
		UserID:       st.UserID,
		StatusCode:   st.StatusCode,
		ErrorMessage: nullString(st.ErrorMsg),
	}
	if st.InstanceID > 0 {
		sm.InstanceID = sql.NullInt64{Int64: int64(st.InstanceID), Valid: true}
	}
	res, err := s.bun.NewUpdate().Model(&sm).
		Column("status_code", "error_message", "instance_id").
		Where("target_id = ? AND user_id = ?", st.TargetID, st.UserID).
		Exec(ctx)
	if err != nil {
		return err
	}
	// The mysql driver counts changed rows, not matched rows, so rewriting
	// an identical status reports zero here. Confirm the row is actually
	// missing before treating that as a miss.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		exists, err := s.bun.NewSelect().Model((*StatusModel)(nil)).
			Where("target_id = ? AND user_id = ?", st.TargetID, st.UserID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// NextPendingTarget returns the first target still at INITIAL in seed order,
// or nil when the batch has no pending targets left.
func (s *BunStore) NextPendingTarget(userID int64) (*model.TargetHost, error) {
	ctx := context.Background()
	var sm StatusModel
	err := s.bun.NewSelect().Model(&sm).
		Where("user_id = ? AND status_code = ?", userID, model.StatusInitial).
		Order("position").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetTarget(userID, sm.TargetID)
}

// ListStatuses returns all status rows for a user in seed order.
func (s *BunStore) ListStatuses(userID int64) ([]model.ConnectionStatus, error) {
	ctx := context.Background()
	var sms []StatusModel
	if err := s.bun.NewSelect().Model(&sms).Where("user_id = ?", userID).Order("position").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.ConnectionStatus, 0, len(sms))
	for _, sm := range sms {
		out = append(out, statusModelToModel(sm))
	}
	return out, nil
}

// LogAction records an audit trail event.
func (s *BunStore) LogAction(action string, details string) error {
	ctx := context.Background()
	am := AuditLogModel{Action: action, Details: details}
	_, err := s.bun.NewInsert().Model(&am).Exec(ctx)
	return err
}

// GetAllAuditLogEntries retrieves all entries from the audit log, most recent first.
func (s *BunStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var ams []AuditLogModel
	if err := s.bun.NewSelect().Model(&ams).Order("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(ams))
	for _, am := range ams {
		out = append(out, model.AuditLogEntry{ID: am.ID, Timestamp: am.Timestamp, Action: am.Action, Details: am.Details})
	}
	return out, nil
}

// ExportDataForBackup retrieves all data from the database for a backup.
func (s *BunStore) ExportDataForBackup() (*model.BackupData, error) {
	ctx := context.Background()
	out := &model.BackupData{}

	var ums []UserModel
	if err := s.bun.NewSelect().Model(&ums).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}
	for _, um := range ums {
		out.Users = append(out.Users, userModelToModel(um))
	}

	var tms []TargetModel
	if err := s.bun.NewSelect().Model(&tms).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export targets: %w", err)
	}
	for _, tm := range tms {
		out.Targets = append(out.Targets, targetModelToModel(tm))
	}

	var kms []ApplicationKeyModel
	if err := s.bun.NewSelect().Model(&kms).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export keys: %w", err)
	}
	for _, km := range kms {
		out.Keys = append(out.Keys, keyModelToModel(km))
	}

	// Ordered so the import side can reconstruct each user's seed order.
	var sms []StatusModel
	if err := s.bun.NewSelect().Model(&sms).Order("user_id", "position").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export statuses: %w", err)
	}
	for _, sm := range sms {
		out.Statuses = append(out.Statuses, statusModelToModel(sm))
	}

	return out, nil
}

// ImportDataFromBackup restores the database from a backup data structure.
// It performs a full wipe-and-replace within a single transaction.
func (s *BunStore) ImportDataFromBackup(backup *model.BackupData) error {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range []any{(*StatusModel)(nil), (*ApplicationKeyModel)(nil), (*TargetModel)(nil), (*UserModel)(nil)} {
		if _, err := tx.NewDelete().Model(m).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("wipe before import: %w", err)
		}
	}

	for _, u := range backup.Users {
		um := UserModel{ID: u.ID, Username: u.Username, IdentityRef: nullString(u.IdentityRef), AuthToken: nullString(u.AuthToken), OTPSecret: u.OTPSecret.Bytes()}
		if _, err := tx.NewInsert().Model(&um).Exec(ctx); err != nil {
			return fmt.Errorf("import user %s: %w", u.Username, err)
		}
	}
	for _, t := range backup.Targets {
		tm := targetModelFromModel(t)
		if _, err := tx.NewInsert().Model(&tm).Exec(ctx); err != nil {
			return fmt.Errorf("import target %s: %w", t, err)
		}
	}
	for _, k := range backup.Keys {
		km := ApplicationKeyModel{ID: k.ID, UserID: k.UserID, PublicKey: k.PublicKey, PrivateKeyEnc: k.PrivateKeyEnc, PassphraseEnc: k.PassphraseEnc, KeyType: k.KeyType}
		if _, err := tx.NewInsert().Model(&km).Exec(ctx); err != nil {
			return fmt.Errorf("import key for user %d: %w", k.UserID, err)
		}
	}
	// Statuses arrive in (user, position) order, so a per-user counter
	// reproduces each batch's seed order without mixing users' sequences.
	pos := make(map[int64]int)
	for _, st := range backup.Statuses {
		sm := StatusModel{TargetID: st.TargetID, UserID: st.UserID, StatusCode: st.StatusCode, ErrorMessage: nullString(st.ErrorMsg), Position: pos[st.UserID]}
		pos[st.UserID]++
		if st.InstanceID > 0 {
			sm.InstanceID = sql.NullInt64{Int64: int64(st.InstanceID), Valid: true}
		}
		if _, err := tx.NewInsert().Model(&sm).Exec(ctx); err != nil {
			return fmt.Errorf("import status for target %d: %w", st.TargetID, err)
		}
	}

	return tx.Commit()
}
