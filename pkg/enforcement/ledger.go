// Package enforcement records bans and security events and answers ban
// lookups. It is the only writer of ban state, so IsBanned always reads the
// same source of truth Ban writes to.
package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hanogt/secbot/pkg/datastore"
	"github.com/hanogt/secbot/pkg/model"
)

// DefaultStoreTimeout bounds each call to the backing store.
const DefaultStoreTimeout = 5 * time.Second

// Ledger is the enforcement ledger.
type Ledger struct {
	store   datastore.DataStore
	timeout time.Duration

	logFailures atomic.Int64
	banFailures atomic.Int64
}

// NewLedger creates a ledger over store. A non-positive timeout selects
// DefaultStoreTimeout.
func NewLedger(store datastore.DataStore, timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Ledger{store: store, timeout: timeout}
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// IsBanned looks up identity. It has no side effects.
//
// When the store cannot be reached the status is BanStatusUnknown and the
// error is returned; callers decide whether unknown admits or denies.
func (l *Ledger) IsBanned(ctx context.Context, identity string) (model.BanCheck, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	ban, err := l.store.GetBan(ctx, identity)
	if err != nil {
		slog.Warn("ban lookup failed", "identity", identity, "err", err)
		return model.BanCheck{Status: model.BanStatusUnknown}, fmt.Errorf("enforcement: ban lookup: %w", err)
	}
	if ban == nil {
		return model.BanCheck{Status: model.BanStatusNotBanned}, nil
	}
	return model.BanCheck{Status: model.BanStatusBanned, Reason: ban.Reason}, nil
}

// Ban permanently bans identity. It is an idempotent upsert: banning twice
// leaves one record. Returns false if the record could not be written.
func (l *Ledger) Ban(ctx context.Context, identity, reason, offendingCode string) bool {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rec := model.NewBanRecord(identity, reason, offendingCode)
	if err := l.store.UpsertBan(ctx, rec); err != nil {
		l.banFailures.Add(1)
		slog.Error("ban failed", "identity", identity, "reason", reason, "err", err)
		return false
	}
	slog.Info("user banned", "identity", identity, "reason", reason, "code_hash", rec.CodeHash)
	return true
}

// Unban lifts a ban. Operator use only; nothing on the execution path calls it.
func (l *Ledger) Unban(ctx context.Context, identity string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.store.DeleteBan(ctx, identity); err != nil {
		return fmt.Errorf("enforcement: unban %s: %w", identity, err)
	}
	slog.Info("user unbanned", "identity", identity)
	return nil
}

// LogEvent appends a security event. Failures are logged and counted but
// never returned: a missing audit entry must not change the caller's decision.
func (l *Ledger) LogEvent(ctx context.Context, identity string, kind model.EventKind, verdict model.Verdict, code string) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	ev := model.NewSecurityEvent(identity, kind, verdict, code)
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		l.logFailures.Add(1)
		slog.Warn("security event not recorded",
			"identity", identity,
			"event", kind,
			"severity", verdict.Severity,
			"err", err,
		)
		return
	}
	slog.Debug("security event recorded", "id", ev.ID, "identity", identity, "event", kind)
}

// Bans lists every ban record.
func (l *Ledger) Bans(ctx context.Context) ([]model.BanRecord, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	bans, err := l.store.ListBans(ctx)
	if err != nil {
		return nil, fmt.Errorf("enforcement: list bans: %w", err)
	}
	return bans, nil
}

// Events lists security events matching filters, newest first.
func (l *Ledger) Events(ctx context.Context, filters model.EventFilters) ([]model.SecurityEvent, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	events, err := l.store.ListEvents(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("enforcement: list events: %w", err)
	}
	return events, nil
}

// LogFailures is the number of events that could not be recorded.
func (l *Ledger) LogFailures() int64 {
	return l.logFailures.Load()
}

// BanFailures is the number of bans that could not be written.
func (l *Ledger) BanFailures() int64 {
	return l.banFailures.Load()
}
