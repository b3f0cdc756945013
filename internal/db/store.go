// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"github.com/gatehouse/gatehouse/internal/model"
)

// Store defines the interface for all database operations in Gatehouse.
// This allows for multiple database backends to be implemented.
type Store interface {
	// User methods
	GetOrCreateUser(username string) (*model.User, error)
	GetUserByUsername(username string) (*model.User, error)

	// Key material methods (one sealed key pair per user)
	GetKeyMaterial(userID int64) (*model.KeyMaterial, error)
	SaveKeyMaterial(km *model.KeyMaterial) (int64, error)
	ReplaceKeyMaterial(km *model.KeyMaterial) (int64, error)

	// Target host methods (replaced wholesale on inventory refresh)
	ReplaceTargets(userID int64, targets []model.TargetHost) error
	GetTargets(userID int64) ([]model.TargetHost, error)
	GetTarget(userID, targetID int64) (*model.TargetHost, error)

	// Connection status methods (one row per user/target pair)
	SeedStatuses(userID int64, targetIDs []int64) error
	GetStatus(userID, targetID int64) (*model.ConnectionStatus, error)
	UpdateStatus(st *model.ConnectionStatus) error
	NextPendingTarget(userID int64) (*model.TargetHost, error)
	ListStatuses(userID int64) ([]model.ConnectionStatus, error)

	// Audit log methods
	LogAction(action string, details string) error
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)

	// Backup methods
	ExportDataForBackup() (*model.BackupData, error)
	ImportDataFromBackup(backup *model.BackupData) error
}
