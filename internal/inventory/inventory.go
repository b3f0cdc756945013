// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package inventory feeds the target table from an external source of
// truth. Targets are replaced wholesale on every refresh; rows are never
// patched in place.
package inventory

import (
	"context"
	"fmt"
	"os"

	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/goccy/go-yaml"
)

// Source provides the authoritative target list for a user.
type Source interface {
	Targets(ctx context.Context, userID int64) ([]model.TargetHost, error)
}

// Refresh pulls the current target list from the source and replaces the
// user's stored inventory with it. Returns the number of targets stored.
func Refresh(ctx context.Context, store db.Store, src Source, userID int64) (int, error) {
	targets, err := src.Targets(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("fetch inventory: %w", err)
	}
	if err := store.ReplaceTargets(userID, targets); err != nil {
		return 0, fmt.Errorf("store inventory: %w", err)
	}
	_ = store.LogAction("REFRESH_TARGETS", fmt.Sprintf("user_id: %d, targets: %d", userID, len(targets)))
	logging.Infof("refreshed inventory for user %d: %d targets", userID, len(targets))
	return len(targets), nil
}

// fileEntry is one target in a YAML inventory file.
type fileEntry struct {
	App    string `yaml:"app"`
	User   string `yaml:"user"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`
	Group  string `yaml:"group"`
	Tags   string `yaml:"tags"`
}

// FileSource reads targets from a YAML inventory file. The same file serves
// every user; ownership is stamped at refresh time.
type FileSource struct {
	Path string
}

func (f FileSource) Targets(ctx context.Context, userID int64) ([]model.TargetHost, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read inventory file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes a YAML inventory document into target hosts. Every
// entry must name a host and an SSH user; the rest is optional metadata.
func ParseTargets(data []byte) ([]model.TargetHost, error) {
	var entries []fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	out := make([]model.TargetHost, 0, len(entries))
	for i, e := range entries {
		if e.Host == "" {
			return nil, fmt.Errorf("inventory entry %d: missing host", i)
		}
		if e.User == "" {
			return nil, fmt.Errorf("inventory entry %d (%s): missing user", i, e.Host)
		}
		out = append(out, model.TargetHost{
			App:    e.App,
			User:   e.User,
			Host:   e.Host,
			Port:   e.Port,
			Domain: e.Domain,
			Group:  e.Group,
			Tags:   e.Tags,
		})
	}
	return out, nil
}
