// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package inventory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/testutil"
)

const sampleInventory = `
- app: web
  user: deploy
  host: web-1.example.com
  port: 2222
  group: frontend
- app: db
  user: postgres
  host: db-1.example.com
  domain: example.com
  tags: "primary,critical"
`

func TestParseTargets(t *testing.T) {
	targets, err := ParseTargets([]byte(sampleInventory))
	if err != nil {
		t.Fatalf("ParseTargets failed: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("parsed %d targets, want 2", len(targets))
	}
	if targets[0].Addr() != "web-1.example.com:2222" {
		t.Fatalf("first target addr = %s", targets[0].Addr())
	}
	if targets[1].Addr() != "db-1.example.com:22" {
		t.Fatalf("default port not applied: %s", targets[1].Addr())
	}
	if targets[1].Tags != "primary,critical" {
		t.Fatalf("tags lost: %q", targets[1].Tags)
	}
}

func TestParseTargetsRejectsIncompleteEntries(t *testing.T) {
	if _, err := ParseTargets([]byte("- user: deploy\n")); err == nil {
		t.Fatalf("entry without host accepted")
	}
	if _, err := ParseTargets([]byte("- host: a.example.com\n")); err == nil {
		t.Fatalf("entry without user accepted")
	}
}

type staticSource struct {
	targets []model.TargetHost
	err     error
}

func (s staticSource) Targets(ctx context.Context, userID int64) ([]model.TargetHost, error) {
	return s.targets, s.err
}

func TestRefreshReplacesWholesale(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		first := staticSource{targets: []model.TargetHost{
			{User: "deploy", Host: "old-1"},
			{User: "deploy", Host: "old-2"},
		}}
		if _, err := Refresh(context.Background(), s, first, 1); err != nil {
			t.Fatalf("first refresh failed: %v", err)
		}

		second := staticSource{targets: []model.TargetHost{
			{User: "deploy", Host: "new-1"},
		}}
		n, err := Refresh(context.Background(), s, second, 1)
		if err != nil {
			t.Fatalf("second refresh failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("refresh reported %d targets, want 1", n)
		}

		stored, err := s.GetTargets(1)
		if err != nil {
			t.Fatalf("GetTargets failed: %v", err)
		}
		if len(stored) != 1 || stored[0].Host != "new-1" {
			t.Fatalf("stale inventory survived refresh: %v", stored)
		}
	})
}

func TestRefreshSourceFailureLeavesStoreUntouched(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		good := staticSource{targets: []model.TargetHost{{User: "deploy", Host: "keep-me"}}}
		if _, err := Refresh(context.Background(), s, good, 1); err != nil {
			t.Fatalf("seed refresh failed: %v", err)
		}

		bad := staticSource{err: errors.New("inventory endpoint down")}
		if _, err := Refresh(context.Background(), s, bad, 1); err == nil {
			t.Fatalf("expected source error to propagate")
		}
		stored, err := s.GetTargets(1)
		if err != nil || len(stored) != 1 || stored[0].Host != "keep-me" {
			t.Fatalf("failed refresh disturbed the store: %v %v", stored, err)
		}
	})
}

func TestMergeAuthorizedKeyReplacesManagedLine(t *testing.T) {
	existing := []byte("ssh-rsa AAAB ops@laptop\nssh-ed25519 OLD gatehouse-1\n")
	merged := MergeAuthorizedKey(existing, "gatehouse-1", "ssh-ed25519 NEW gatehouse generated key pair")

	text := string(merged)
	if strings.Contains(text, "OLD") {
		t.Fatalf("stale managed line survived: %q", text)
	}
	if !strings.Contains(text, "ssh-rsa AAAB ops@laptop") {
		t.Fatalf("unmanaged line lost: %q", text)
	}
	if !strings.Contains(text, "ssh-ed25519 NEW gatehouse-1") {
		t.Fatalf("new key not written under its managed name: %q", text)
	}
	if got := strings.Count(text, "gatehouse-1"); got != 1 {
		t.Fatalf("managed name appears %d times, want 1", got)
	}
}

func TestMergeAuthorizedKeyIntoEmptyFile(t *testing.T) {
	merged := MergeAuthorizedKey(nil, "gatehouse-7", "ssh-ed25519 KEY comment")
	if want := "ssh-ed25519 KEY gatehouse-7\n"; string(merged) != want {
		t.Fatalf("merged = %q, want %q", merged, want)
	}
}

func TestStripAuthorizedKey(t *testing.T) {
	existing := []byte("ssh-rsa AAAB ops@laptop\nssh-ed25519 KEY gatehouse-1\n")
	stripped := StripAuthorizedKey(existing, "gatehouse-1")
	if string(stripped) != "ssh-rsa AAAB ops@laptop\n" {
		t.Fatalf("strip result = %q", stripped)
	}
	if got := StripAuthorizedKey([]byte("ssh-ed25519 KEY gatehouse-1\n"), "gatehouse-1"); got != nil {
		t.Fatalf("stripping the only line should empty the file, got %q", got)
	}
}
