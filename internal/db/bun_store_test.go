// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package db_test

import (
	"errors"
	"testing"

	"github.com/gatehouse/gatehouse/internal/db"
	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/testutil"
)

func storeTargets(t *testing.T, s db.Store, userID int64, hosts ...string) []model.TargetHost {
	t.Helper()
	in := make([]model.TargetHost, 0, len(hosts))
	for _, h := range hosts {
		in = append(in, model.TargetHost{User: "deploy", Host: h, Port: 22, App: "web"})
	}
	if err := s.ReplaceTargets(userID, in); err != nil {
		t.Fatalf("ReplaceTargets failed: %v", err)
	}
	out, err := s.GetTargets(userID)
	if err != nil {
		t.Fatalf("GetTargets failed: %v", err)
	}
	return out
}

func TestGetOrCreateUser(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		u, err := s.GetOrCreateUser("alice")
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if u.ID == 0 || u.Username != "alice" {
			t.Fatalf("bad user row: %+v", u)
		}
		again, err := s.GetOrCreateUser("alice")
		if err != nil {
			t.Fatalf("second call failed: %v", err)
		}
		if again.ID != u.ID {
			t.Fatalf("second call created a new row: %d != %d", again.ID, u.ID)
		}
		if _, err := s.GetUserByUsername("nobody"); !errors.Is(err, db.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReplaceTargetsIsWholesale(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		storeTargets(t, s, 1, "old-1", "old-2", "old-3")
		fresh := storeTargets(t, s, 1, "new-1", "new-2")

		if len(fresh) != 2 {
			t.Fatalf("refresh left %d targets, want 2", len(fresh))
		}
		for _, tg := range fresh {
			if tg.Host == "old-1" || tg.Host == "old-2" || tg.Host == "old-3" {
				t.Fatalf("stale target %s survived refresh", tg.Host)
			}
		}
	})
}

func TestTargetsAreScopedToOwner(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		mine := storeTargets(t, s, 1, "mine")
		theirs := storeTargets(t, s, 2, "theirs")

		if _, err := s.GetTarget(1, theirs[0].ID); !errors.Is(err, db.ErrNotFound) {
			t.Fatalf("cross-user target lookup succeeded")
		}
		got, err := s.GetTarget(1, mine[0].ID)
		if err != nil {
			t.Fatalf("own target lookup failed: %v", err)
		}
		if got.Host != "mine" {
			t.Fatalf("wrong target returned: %s", got.Host)
		}

		// Refreshing one user's inventory leaves the other's intact.
		storeTargets(t, s, 1, "mine-2")
		left, err := s.GetTargets(2)
		if err != nil || len(left) != 1 || left[0].Host != "theirs" {
			t.Fatalf("user 2 inventory disturbed: %v %v", left, err)
		}
	})
}

func TestSeedStatusesOverwritesPreviousBatch(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		targets := storeTargets(t, s, 1, "a", "b", "c")
		ids := []int64{targets[0].ID, targets[1].ID, targets[2].ID}

		if err := s.SeedStatuses(1, ids); err != nil {
			t.Fatalf("first seed failed: %v", err)
		}
		// Simulate progress, then reseed a smaller selection.
		if err := s.UpdateStatus(&model.ConnectionStatus{TargetID: ids[0], UserID: 1, StatusCode: model.StatusSuccess, InstanceID: 1}); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if err := s.SeedStatuses(1, ids[1:2]); err != nil {
			t.Fatalf("reseed failed: %v", err)
		}

		statuses, err := s.ListStatuses(1)
		if err != nil {
			t.Fatalf("ListStatuses failed: %v", err)
		}
		if len(statuses) != 1 {
			t.Fatalf("reseed left %d rows, want 1", len(statuses))
		}
		if statuses[0].TargetID != ids[1] || statuses[0].StatusCode != model.StatusInitial {
			t.Fatalf("unexpected row after reseed: %+v", statuses[0])
		}
	})
}

func TestNextPendingTargetFollowsSeedOrder(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		targets := storeTargets(t, s, 1, "a", "b", "c")
		// Seed in reverse of insertion order; the walk must honor it.
		ids := []int64{targets[2].ID, targets[0].ID, targets[1].ID}
		if err := s.SeedStatuses(1, ids); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		for _, want := range ids {
			next, err := s.NextPendingTarget(1)
			if err != nil {
				t.Fatalf("NextPendingTarget failed: %v", err)
			}
			if next == nil || next.ID != want {
				t.Fatalf("next = %v, want target %d", next, want)
			}
			if err := s.UpdateStatus(&model.ConnectionStatus{TargetID: want, UserID: 1, StatusCode: model.StatusSuccess}); err != nil {
				t.Fatalf("UpdateStatus failed: %v", err)
			}
		}
		done, err := s.NextPendingTarget(1)
		if err != nil {
			t.Fatalf("NextPendingTarget after drain failed: %v", err)
		}
		if done != nil {
			t.Fatalf("expected nil after all targets resolved, got %v", done)
		}
	})
}

func TestNextPendingTargetSkipsFailedRows(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		targets := storeTargets(t, s, 1, "a", "b")
		ids := []int64{targets[0].ID, targets[1].ID}
		if err := s.SeedStatuses(1, ids); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if err := s.UpdateStatus(&model.ConnectionStatus{TargetID: ids[0], UserID: 1, StatusCode: model.StatusHostFail, ErrorMsg: "no such host"}); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}

		next, err := s.NextPendingTarget(1)
		if err != nil {
			t.Fatalf("NextPendingTarget failed: %v", err)
		}
		if next == nil || next.ID != ids[1] {
			t.Fatalf("failed row not skipped: next = %v", next)
		}
	})
}

func TestGetStatus(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		targets := storeTargets(t, s, 1, "a")
		if err := s.SeedStatuses(1, []int64{targets[0].ID}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		st, err := s.GetStatus(1, targets[0].ID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if st.StatusCode != model.StatusInitial {
			t.Fatalf("fresh row status = %s, want %s", st.StatusCode, model.StatusInitial)
		}
		if _, err := s.GetStatus(1, 99); !errors.Is(err, db.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unseeded row, got %v", err)
		}
	})
}

// Writing the same outcome twice happens when an operator repeats a failed
// retry. Some drivers report zero affected rows for the no-op write; it must
// still count as success.
func TestUpdateStatusSameValueTwice(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		targets := storeTargets(t, s, 1, "a")
		if err := s.SeedStatuses(1, []int64{targets[0].ID}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		st := &model.ConnectionStatus{TargetID: targets[0].ID, UserID: 1, StatusCode: model.StatusAuthFail, ErrorMsg: "passphrase rejected for application key"}
		if err := s.UpdateStatus(st); err != nil {
			t.Fatalf("first write failed: %v", err)
		}
		if err := s.UpdateStatus(st); err != nil {
			t.Fatalf("identical second write failed: %v", err)
		}

		got, err := s.GetStatus(1, targets[0].ID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if got.StatusCode != model.StatusAuthFail || got.ErrorMsg == "" {
			t.Fatalf("row lost its outcome: %+v", got)
		}
	})
}

func TestUpdateStatusUnknownRow(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		err := s.UpdateStatus(&model.ConnectionStatus{TargetID: 99, UserID: 1, StatusCode: model.StatusSuccess})
		if !errors.Is(err, db.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unseeded row, got %v", err)
		}
	})
}

func TestKeyMaterialUniquePerUser(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		km := &model.KeyMaterial{UserID: 1, PublicKey: "ssh-ed25519 AAAA", PrivateKeyEnc: []byte{1}, PassphraseEnc: []byte{2}, KeyType: "ed25519"}
		if _, err := s.SaveKeyMaterial(km); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if _, err := s.SaveKeyMaterial(km); !errors.Is(err, db.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate on second save, got %v", err)
		}

		replacement := &model.KeyMaterial{UserID: 1, PublicKey: "ssh-ed25519 BBBB", PrivateKeyEnc: []byte{3}, PassphraseEnc: []byte{4}, KeyType: "ed25519"}
		if _, err := s.ReplaceKeyMaterial(replacement); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		got, err := s.GetKeyMaterial(1)
		if err != nil || got == nil {
			t.Fatalf("load after replace failed: %v", err)
		}
		if got.PublicKey != "ssh-ed25519 BBBB" {
			t.Fatalf("replace did not swap the key: %s", got.PublicKey)
		}

		none, err := s.GetKeyMaterial(2)
		if err != nil {
			t.Fatalf("lookup for keyless user failed: %v", err)
		}
		if none != nil {
			t.Fatalf("keyless user returned material: %+v", none)
		}
	})
}

func TestAuditLogMostRecentFirst(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		for _, a := range []string{"FIRST", "SECOND", "THIRD"} {
			if err := s.LogAction(a, ""); err != nil {
				t.Fatalf("LogAction failed: %v", err)
			}
		}
		entries, err := s.GetAllAuditLogEntries()
		if err != nil {
			t.Fatalf("GetAllAuditLogEntries failed: %v", err)
		}
		if len(entries) != 3 || entries[0].Action != "THIRD" {
			t.Fatalf("unexpected audit order: %+v", entries)
		}
	})
}

func TestBackupRoundTrip(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		if _, err := s.GetOrCreateUser("alice"); err != nil {
			t.Fatalf("create user: %v", err)
		}
		targets := storeTargets(t, s, 1, "a", "b")
		km := &model.KeyMaterial{UserID: 1, PublicKey: "ssh-ed25519 AAAA", PrivateKeyEnc: []byte{1, 2}, PassphraseEnc: []byte{3, 4}, KeyType: "ed25519"}
		if _, err := s.SaveKeyMaterial(km); err != nil {
			t.Fatalf("save key: %v", err)
		}
		if err := s.SeedStatuses(1, []int64{targets[0].ID}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		exported, err := s.ExportDataForBackup()
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}

		if err := s.ImportDataFromBackup(exported); err != nil {
			t.Fatalf("import failed: %v", err)
		}
		restoredTargets, err := s.GetTargets(1)
		if err != nil || len(restoredTargets) != 2 {
			t.Fatalf("targets lost in round trip: %v %v", restoredTargets, err)
		}
		restoredKey, err := s.GetKeyMaterial(1)
		if err != nil || restoredKey == nil || restoredKey.PublicKey != "ssh-ed25519 AAAA" {
			t.Fatalf("key material lost in round trip: %v %v", restoredKey, err)
		}
		statuses, err := s.ListStatuses(1)
		if err != nil || len(statuses) != 1 {
			t.Fatalf("statuses lost in round trip: %v %v", statuses, err)
		}
	})
}

func TestBackupPreservesBatchOrder(t *testing.T) {
	testutil.WithTestStore(t, func(s db.Store) {
		mine := storeTargets(t, s, 1, "a", "b", "c")
		theirs := storeTargets(t, s, 2, "x", "y")

		// Both users seed out of insertion order; the round trip must keep
		// each sequence intact without mixing them.
		mineOrder := []int64{mine[2].ID, mine[0].ID, mine[1].ID}
		theirsOrder := []int64{theirs[1].ID, theirs[0].ID}
		if err := s.SeedStatuses(1, mineOrder); err != nil {
			t.Fatalf("seed user 1 failed: %v", err)
		}
		if err := s.SeedStatuses(2, theirsOrder); err != nil {
			t.Fatalf("seed user 2 failed: %v", err)
		}

		exported, err := s.ExportDataForBackup()
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		if err := s.ImportDataFromBackup(exported); err != nil {
			t.Fatalf("import failed: %v", err)
		}

		for _, tc := range []struct {
			userID int64
			order  []int64
		}{
			{1, mineOrder},
			{2, theirsOrder},
		} {
			statuses, err := s.ListStatuses(tc.userID)
			if err != nil {
				t.Fatalf("ListStatuses(%d) failed: %v", tc.userID, err)
			}
			if len(statuses) != len(tc.order) {
				t.Fatalf("user %d has %d rows, want %d", tc.userID, len(statuses), len(tc.order))
			}
			for i, want := range tc.order {
				if statuses[i].TargetID != want {
					t.Fatalf("user %d position %d = target %d, want %d", tc.userID, i, statuses[i].TargetID, want)
				}
			}
		}
	})
}
