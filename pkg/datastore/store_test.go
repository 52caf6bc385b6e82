package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/hanogt/secbot/pkg/datastore"
	"github.com/hanogt/secbot/pkg/model"
)

func NewTestSqlConn(t *testing.T) (*datastore.SQLStore, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewSQL(dbPath)
	if err != nil {
		t.Fatalf("store_test: failed to open db: %v", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, dbPath
}

// withStores runs fn against every DataStore implementation.
func withStores(t *testing.T, fn func(t *testing.T, st datastore.DataStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, _ := NewTestSqlConn(t)
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, datastore.NewMemory())
	})
}

func ransomVerdict() model.Verdict {
	return model.NewVerdict(
		[]model.ThreatCategory{model.CategoryRansomware},
		[]model.Severity{model.SeverityCritical},
	)
}

func TestGetBanMissing(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		got, err := st.GetBan(context.Background(), "nobody@example.com")
		if err != nil {
			t.Fatalf("GetBan: unexpected error: %v", err)
		}
		if got != nil {
			t.Fatalf("GetBan: expected nil, got %+v", got)
		}
	})
}

func TestUpsertBan(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		rec := model.NewBanRecord("alice@example.com", "ransomware", "Fernet(key)")
		if err := st.UpsertBan(ctx, rec); err != nil {
			t.Fatalf("UpsertBan: unexpected error: %v", err)
		}
		if rec.BannedAt.IsZero() {
			t.Fatalf("UpsertBan: expected BannedAt to be assigned")
		}

		got, err := st.GetBan(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("GetBan: unexpected error: %v", err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Errorf("GetBan mismatch (-want +got):\n%s", diff)
		}

		user, err := st.GetUser(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("GetUser: unexpected error: %v", err)
		}
		if user == nil || !user.Banned {
			t.Errorf("GetUser: expected banned flag set, got %+v", user)
		}
	})
}

func TestUpsertBanIdempotent(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		if err := st.UpsertBan(ctx, model.NewBanRecord("bob@example.com", "r1", "c1")); err != nil {
			t.Fatalf("UpsertBan(r1): unexpected error: %v", err)
		}
		if err := st.UpsertBan(ctx, model.NewBanRecord("bob@example.com", "r2", "c2")); err != nil {
			t.Fatalf("UpsertBan(r2): unexpected error: %v", err)
		}

		bans, err := st.ListBans(ctx)
		if err != nil {
			t.Fatalf("ListBans: unexpected error: %v", err)
		}
		if len(bans) != 1 {
			t.Fatalf("ListBans: expected exactly one record, got %d", len(bans))
		}
		want := model.BanRecord{
			Identity:      "bob@example.com",
			Reason:        "r2",
			MaliciousCode: "c2",
			CodeHash:      model.Fingerprint("c2"),
			Permanent:     true,
		}
		if diff := cmp.Diff(want, bans[0], cmpopts.IgnoreFields(model.BanRecord{}, "BannedAt")); diff != "" {
			t.Errorf("ListBans mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestUpsertBanTruncatesCode(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		rec := &model.BanRecord{
			Identity:      "carol@example.com",
			Reason:        "ransomware",
			MaliciousCode: strings.Repeat("ş", 5000),
		}
		if err := st.UpsertBan(ctx, rec); err != nil {
			t.Fatalf("UpsertBan: unexpected error: %v", err)
		}
		got, err := st.GetBan(ctx, "carol@example.com")
		if err != nil || got == nil {
			t.Fatalf("GetBan: got %v, %v", got, err)
		}
		if n := utf8.RuneCountInString(got.MaliciousCode); n > model.MaxBanCodeLength {
			t.Errorf("stored code is %d characters, want <= %d", n, model.MaxBanCodeLength)
		}
	})
}

func TestUpsertBanRejectsInvalidIdentity(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		err := st.UpsertBan(context.Background(), model.NewBanRecord("", "reason", "code"))
		if !errors.Is(err, model.ErrIdentityEmpty) {
			t.Fatalf("UpsertBan: expected ErrIdentityEmpty, got %v", err)
		}
	})
}

func TestDeleteBan(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		if err := st.DeleteBan(ctx, "dave@example.com"); !errors.Is(err, datastore.ErrNotFound) {
			t.Fatalf("DeleteBan on missing identity: expected ErrNotFound, got %v", err)
		}

		if err := st.UpsertBan(ctx, model.NewBanRecord("dave@example.com", "xmrig", "xmrig")); err != nil {
			t.Fatalf("UpsertBan: unexpected error: %v", err)
		}
		if err := st.DeleteBan(ctx, "dave@example.com"); err != nil {
			t.Fatalf("DeleteBan: unexpected error: %v", err)
		}

		got, err := st.GetBan(ctx, "dave@example.com")
		if err != nil || got != nil {
			t.Fatalf("GetBan after delete: got %+v, %v", got, err)
		}
		user, err := st.GetUser(ctx, "dave@example.com")
		if err != nil {
			t.Fatalf("GetUser: unexpected error: %v", err)
		}
		if user == nil || user.Banned {
			t.Errorf("GetUser: expected banned flag cleared, got %+v", user)
		}
	})
}

func TestAppendEvent(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		code := strings.Repeat("x", 2000)
		ev := model.NewSecurityEvent("erin@example.com", model.EventBlock, ransomVerdict(), code)
		if err := st.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: unexpected error: %v", err)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("AppendEvent: expected ID and timestamp, got %+v", ev)
		}

		events, err := st.ListEvents(ctx, model.EventFilters{})
		if err != nil {
			t.Fatalf("ListEvents: unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("ListEvents: expected 1 event, got %d", len(events))
		}
		if diff := cmp.Diff(*ev, events[0]); diff != "" {
			t.Errorf("ListEvents mismatch (-want +got):\n%s", diff)
		}
		if n := utf8.RuneCountInString(events[0].CodeSnippet); n > model.MaxEventSnippetLength {
			t.Errorf("snippet is %d characters, want <= %d", n, model.MaxEventSnippetLength)
		}
	})
}

func TestAppendEventValidation(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ev := model.NewSecurityEvent("frank@example.com", model.EventKind("audit"), ransomVerdict(), "x")
		if err := st.AppendEvent(context.Background(), ev); err == nil {
			t.Fatalf("AppendEvent: expected error for unknown event kind")
		}
	})
}

func TestListEventsFilters(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		seed := []struct {
			identity string
			kind     model.EventKind
		}{
			{"a@example.com", model.EventWarning},
			{"b@example.com", model.EventBlock},
			{"a@example.com", model.EventBlock},
			{"a@example.com", model.EventBan},
		}
		for i, s := range seed {
			ev := model.NewSecurityEvent(s.identity, s.kind, ransomVerdict(), fmt.Sprintf("code-%d", i))
			if err := st.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("AppendEvent(%d): unexpected error: %v", i, err)
			}
		}

		identity := "a@example.com"
		events, err := st.ListEvents(ctx, model.EventFilters{Identity: &identity})
		if err != nil {
			t.Fatalf("ListEvents: unexpected error: %v", err)
		}
		var kinds []model.EventKind
		for _, e := range events {
			kinds = append(kinds, e.Kind)
		}
		want := []model.EventKind{model.EventBan, model.EventBlock, model.EventWarning}
		if diff := cmp.Diff(want, kinds); diff != "" {
			t.Errorf("ListEvents(identity) kinds mismatch (-want +got):\n%s", diff)
		}

		block := model.EventBlock
		events, err = st.ListEvents(ctx, model.EventFilters{Kind: &block})
		if err != nil {
			t.Fatalf("ListEvents: unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("ListEvents(kind=block): expected 2 events, got %d", len(events))
		}

		pageSize, offset := int64(1), int64(1)
		events, err = st.ListEvents(ctx, model.EventFilters{Identity: &identity, PageSize: &pageSize, Offset: &offset})
		if err != nil {
			t.Fatalf("ListEvents: unexpected error: %v", err)
		}
		if len(events) != 1 || events[0].Kind != model.EventBlock {
			t.Errorf("ListEvents(page): expected the middle block event, got %+v", events)
		}
	})
}

func TestCanceledContext(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := st.GetBan(ctx, "alice@example.com"); err == nil {
			t.Errorf("GetBan: expected error on canceled context")
		}
		if err := st.UpsertBan(ctx, model.NewBanRecord("alice@example.com", "r", "c")); err == nil {
			t.Errorf("UpsertBan: expected error on canceled context")
		}
	})
}

func TestSQLPersistsAcrossReopen(t *testing.T) {
	st, dbPath := NewTestSqlConn(t)
	ctx := context.Background()
	if err := st.UpsertBan(ctx, model.NewBanRecord("gina@example.com", "cryptoMining", "xmrig")); err != nil {
		t.Fatalf("UpsertBan: unexpected error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	reopened, err := datastore.NewSQL(dbPath)
	if err != nil {
		t.Fatalf("NewSQL(reopen): unexpected error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetBan(ctx, "gina@example.com")
	if err != nil {
		t.Fatalf("GetBan: unexpected error: %v", err)
	}
	if got == nil || got.Reason != "cryptoMining" || got.CodeHash != model.Fingerprint("xmrig") {
		t.Fatalf("GetBan after reopen: got %+v", got)
	}
}
