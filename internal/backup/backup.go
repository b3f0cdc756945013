// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package backup serializes the database to zstd-compressed JSON and back.
package backup

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/klauspost/compress/zstd"
)

// Write exports the store and streams the snapshot as compressed JSON.
func Write(s db.Store, w io.Writer) error {
	data, err := s.ExportDataForBackup()
	if err != nil {
		return fmt.Errorf("export backup: %w", err)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush backup: %w", err)
	}
	return nil
}

// Read decodes a compressed snapshot without touching the store.
func Read(r io.Reader) (*model.BackupData, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data model.BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return &data, nil
}

// Restore wipes the store and replaces its contents with the snapshot.
func Restore(s db.Store, r io.Reader) error {
	data, err := Read(r)
	if err != nil {
		return err
	}
	if err := s.ImportDataFromBackup(data); err != nil {
		return fmt.Errorf("import backup: %w", err)
	}
	_ = s.LogAction("RESTORE_BACKUP", fmt.Sprintf("users: %d, targets: %d, keys: %d", len(data.Users), len(data.Targets), len(data.Keys)))
	return nil
}
