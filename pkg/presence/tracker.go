// Package presence maintains the deduplicated roster of users currently
// viewing a page room, sourced from realtime channel events. The roster
// is a set keyed by user id: duplicate ids on the wire are a known
// possibility and are collapsed before storage.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Entry is one user present in the room.
type Entry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// MembershipLookup resolves a user id to its workspace display identity.
// Implemented by an external collaborator.
type MembershipLookup interface {
	Member(ctx context.Context, workspaceID, userID string) (Entry, error)
}

// LeaveFunc is notified when a user leaves, so room-scoped per-user
// state (cursor positions) can be removed alongside the roster entry.
type LeaveFunc func(userID string)

// Tracker is the room roster.
type Tracker struct {
	workspaceID string
	lookup      MembershipLookup
	onLeave     LeaveFunc
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLeaveFunc registers the user-left notification.
func WithLeaveFunc(fn LeaveFunc) Option {
	return func(t *Tracker) { t.onLeave = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.log = logger }
}

// New creates an empty tracker. lookup may be nil, in which case every
// entry gets the fallback identity.
func New(workspaceID string, lookup MembershipLookup, opts ...Option) *Tracker {
	t := &Tracker{
		workspaceID: workspaceID,
		lookup:      lookup,
		log:         slog.Default(),
		entries:     make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// resolve looks up a display identity, falling back to the bare user id
// when the membership lookup has no match. An unresolvable user is
// still present, never dropped.
func (t *Tracker) resolve(ctx context.Context, userID string) Entry {
	if t.lookup != nil {
		entry, err := t.lookup.Member(ctx, t.workspaceID, userID)
		if err == nil && entry.UserID != "" {
			return entry
		}
		if err != nil {
			t.log.Debug("membership lookup miss", "userId", userID, "error", err)
		}
	}
	return Entry{UserID: userID, DisplayName: userID}
}

// HandleRoster replaces the roster with the list delivered on room
// join, collapsing duplicate ids before materializing entries.
func (t *Tracker) HandleRoster(ctx context.Context, userIDs []string) {
	fresh := make(map[string]Entry, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := fresh[id]; ok {
			continue
		}
		fresh[id] = t.resolve(ctx, id)
	}

	t.mu.Lock()
	t.entries = fresh
	t.mu.Unlock()
}

// HandleJoin adds a user to the roster. Idempotent: a user already
// present is left untouched.
func (t *Tracker) HandleJoin(ctx context.Context, userID, name, avatar string) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	if _, ok := t.entries[userID]; ok {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	entry := Entry{UserID: userID, DisplayName: name, AvatarRef: avatar}
	if entry.DisplayName == "" {
		entry = t.resolve(ctx, userID)
	}

	t.mu.Lock()
	if _, ok := t.entries[userID]; !ok {
		t.entries[userID] = entry
	}
	t.mu.Unlock()
}

// HandleLeave removes a user from the roster and fires the leave
// notification so associated cursor state is removed too.
func (t *Tracker) HandleLeave(userID string) {
	t.mu.Lock()
	_, present := t.entries[userID]
	delete(t.entries, userID)
	t.mu.Unlock()

	if present && t.onLeave != nil {
		t.onLeave(userID)
	}
}

// List returns the roster sorted by user id.
func (t *Tracker) List() []Entry {
	t.mu.Lock()
	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Count returns the roster size.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset empties the roster, for page-room switches and disconnects.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]Entry)
	t.mu.Unlock()
}
