package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanogt/secbot/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation, truncation, and ordering.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	bans   map[string]*model.BanRecord
	users  map[string]*model.User
	events []model.SecurityEvent
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:   now,
		bans:  make(map[string]*model.BanRecord),
		users: make(map[string]*model.User),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// GetBan retrieves the ban for identity.
func (s *MemoryStore) GetBan(ctx context.Context, identity string) (*model.BanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: get ban: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ban, ok := s.bans[identity]
	if !ok {
		return nil, nil
	}
	copyBan := *ban
	return &copyBan, nil
}

// ListBans returns all bans, most recent first.
func (s *MemoryStore) ListBans(ctx context.Context) ([]model.BanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list bans: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bans := make([]model.BanRecord, 0, len(s.bans))
	for _, b := range s.bans {
		bans = append(bans, *b)
	}
	sort.Slice(bans, func(i, j int) bool {
		if !bans[i].BannedAt.Equal(bans[j].BannedAt) {
			return bans[i].BannedAt.After(bans[j].BannedAt)
		}
		return bans[i].Identity < bans[j].Identity
	})
	return bans, nil
}

// UpsertBan writes the ban and flags the user.
func (s *MemoryStore) UpsertBan(ctx context.Context, ban *model.BanRecord) error {
	if err := model.ValidateIdentity(ban.Identity); err != nil {
		return fmt.Errorf("datastore: upsert ban: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("datastore: upsert ban: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ban.MaliciousCode = model.Truncate(ban.MaliciousCode, model.MaxBanCodeLength)
	ban.BannedAt = s.now().UTC().Truncate(time.Millisecond)
	ban.Permanent = true

	stored := *ban
	s.bans[ban.Identity] = &stored
	s.users[ban.Identity] = &model.User{Identity: ban.Identity, Banned: true}
	return nil
}

// DeleteBan lifts a ban and clears the user flag.
func (s *MemoryStore) DeleteBan(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("datastore: delete ban: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bans[identity]; !ok {
		return ErrNotFound
	}
	delete(s.bans, identity)
	s.users[identity] = &model.User{Identity: identity, Banned: false}
	return nil
}

// GetUser retrieves the user flag document.
func (s *MemoryStore) GetUser(ctx context.Context, identity string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[identity]
	if !ok {
		return nil, nil
	}
	copyUser := *u
	return &copyUser, nil
}

// AppendEvent stores a new event with a fresh UUID and timestamp.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *model.SecurityEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("datastore: event failed validation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("datastore: append event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = uuid.NewString()
	event.Timestamp = s.now().UTC().Truncate(time.Millisecond)
	event.CodeSnippet = model.Truncate(event.CodeSnippet, model.MaxEventSnippetLength)

	stored := *event
	stored.Categories = append([]model.ThreatCategory(nil), event.Categories...)
	s.events = append(s.events, stored)
	return nil
}

// ListEvents returns events newest first, narrowed by filters.
func (s *MemoryStore) ListEvents(ctx context.Context, filters model.EventFilters) ([]model.SecurityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list events: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := int64(100)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}
	var offset int64
	if filters.Offset != nil {
		offset = *filters.Offset
	}

	var out []model.SecurityEvent
	var skipped int64
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filters.Identity != nil && e.Identity != *filters.Identity {
			continue
		}
		if filters.Kind != nil && e.Kind != *filters.Kind {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if int64(len(out)) >= limit {
			break
		}
		e.Categories = append([]model.ThreatCategory(nil), e.Categories...)
		out = append(out, e)
	}
	return out, nil
}
