// Package cursors relays ephemeral cursor-position and text-selection
// signals between clients. Nothing here is persisted or replayed: a
// receiver keeps only the last value per user, and a user's entry
// disappears when they leave.
package cursors

import (
	"log/slog"
	"sync"

	"github.com/txn2/stateflow/pkg/channel"
	"github.com/txn2/stateflow/pkg/wire"
)

// Broadcaster is the slice of the realtime channel the relay needs.
type Broadcaster interface {
	SendCursorUpdate(cursor wire.Cursor) error
	SendSelectionUpdate(sel wire.Selection) error
	Session() channel.Session
}

// State is the last-known cursor state for one user.
type State struct {
	X         float64
	Y         float64
	Selection *wire.Selection
}

// Map tracks remote cursor state keyed by user id.
type Map struct {
	b   Broadcaster
	log *slog.Logger

	mu     sync.Mutex
	states map[string]State
}

// New creates an empty cursor map.
func New(b Broadcaster, logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{
		b:      b,
		log:    logger,
		states: make(map[string]State),
	}
}

// SendCursor broadcasts the local cursor position. Fire-and-forget: a
// failed send is not retried.
func (m *Map) SendCursor(cursor wire.Cursor) error {
	return m.b.SendCursorUpdate(cursor)
}

// SendSelection broadcasts the local text selection. Fire-and-forget.
func (m *Map) SendSelection(sel wire.Selection) error {
	return m.b.SendSelectionUpdate(sel)
}

// HandleRemote records a remote cursor or selection signal, overwriting
// the prior state for that user, and reports whether it was recorded.
// Echoes of this session's own signals are suppressed by connection id,
// with user id as the fallback.
func (m *Map) HandleRemote(update wire.CursorUpdate) bool {
	sess := m.b.Session()
	if sess.IsOwn(update.ConnectionID, update.UserID) {
		return false
	}
	if update.UserID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.states[update.UserID]
	if update.Cursor != nil {
		state.X = update.Cursor.X
		state.Y = update.Cursor.Y
		state.Selection = update.Cursor.Selection
	}
	if update.Selection != nil {
		state.Selection = update.Selection
	}
	m.states[update.UserID] = state
	return true
}

// Remove drops the state for a user who left.
func (m *Map) Remove(userID string) {
	m.mu.Lock()
	delete(m.states, userID)
	m.mu.Unlock()
}

// Snapshot returns a copy of all remote cursor states.
func (m *Map) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.states))
	for id, s := range m.states {
		out[id] = s
	}
	return out
}

// Reset empties the map, for page-room switches and disconnects.
func (m *Map) Reset() {
	m.mu.Lock()
	m.states = make(map[string]State)
	m.mu.Unlock()
}
