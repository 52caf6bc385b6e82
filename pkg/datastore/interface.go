// Package datastore persists ban records, security events, and the user
// banned flag for secbot.
package datastore

import (
	"context"
	"errors"

	"github.com/hanogt/secbot/pkg/model"
)

// ErrNotFound is returned by deletes that target a missing record.
var ErrNotFound = errors.New("datastore: not found")

// DataStore defines the persistence interface for secbot. Implementations
// include the default SQLite store and an in-memory store for tests.
type DataStore interface {
	BanReadProvider
	BanWriteProvider

	EventReadProvider
	EventWriteProvider

	UserReadProvider

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks.
var (
	_ DataStore = (*SQLStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

type BanReadProvider interface {
	// GetBan returns the ban for identity. Returns (nil, nil) if not banned.
	GetBan(ctx context.Context, identity string) (*model.BanRecord, error)
	// ListBans returns all bans, most recent first.
	ListBans(ctx context.Context) ([]model.BanRecord, error)
}

type BanWriteProvider interface {
	// UpsertBan writes the ban record and sets the user's banned flag in one
	// step. An existing ban for the same identity is overwritten.
	UpsertBan(ctx context.Context, ban *model.BanRecord) error
	// DeleteBan removes the ban and clears the user's banned flag.
	// Returns ErrNotFound if the identity was not banned.
	DeleteBan(ctx context.Context, identity string) error
}

type EventReadProvider interface {
	ListEvents(ctx context.Context, filters model.EventFilters) ([]model.SecurityEvent, error)
}

type EventWriteProvider interface {
	// AppendEvent stores a new event, assigning its ID and timestamp.
	AppendEvent(ctx context.Context, event *model.SecurityEvent) error
}

type UserReadProvider interface {
	// GetUser returns the user flag document. Returns (nil, nil) if absent.
	GetUser(ctx context.Context, identity string) (*model.User, error)
}
