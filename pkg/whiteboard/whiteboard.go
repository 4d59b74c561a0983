// Package whiteboard replicates the shared freehand drawing surface as
// an append-only log of strokes ordered by arrival. Insertion is
// deduplicated by stroke id, so duplicate delivery and broadcast echo
// are both harmless. Clear is destructive and has no undo.
package whiteboard

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/txn2/stateflow/pkg/channel"
	"github.com/txn2/stateflow/pkg/wire"
)

// Broadcaster is the slice of the realtime channel the log needs.
type Broadcaster interface {
	SendStroke(stroke wire.Stroke) error
	SendWhiteboardClear() error
	Session() channel.Session
}

// Log is the per-page stroke log. Strokes are page-scoped: switching
// the active page room resets the log to empty.
type Log struct {
	b   Broadcaster
	log *slog.Logger

	mu      sync.Mutex
	strokes []wire.Stroke
	seen    map[string]struct{}
}

// New creates an empty stroke log.
func New(b Broadcaster, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		b:    b,
		log:  logger,
		seen: make(map[string]struct{}),
	}
}

// CommitStroke appends a locally drawn stroke (optimistic) and
// broadcasts it. A stroke without an id is assigned one; the owner
// defaults to the session user. The eventual broadcast echo carries the
// same id and is dropped by the insert dedup.
func (l *Log) CommitStroke(stroke wire.Stroke) error {
	if stroke.ID == "" {
		stroke.ID = uuid.NewString()
	}
	if stroke.OwnerUserID == "" {
		stroke.OwnerUserID = l.b.Session().UserID
	}

	l.insert(stroke)
	return l.b.SendStroke(stroke)
}

// HandleRemoteStroke inserts a stroke received from the relay and
// reports whether it was new. Duplicate ids are ignored.
func (l *Log) HandleRemoteStroke(stroke wire.Stroke) bool {
	if stroke.ID == "" {
		l.log.Debug("ignoring stroke without id")
		return false
	}
	return l.insert(stroke)
}

// insert appends the stroke unless its id is already present.
func (l *Log) insert(stroke wire.Stroke) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[stroke.ID]; dup {
		return false
	}
	l.seen[stroke.ID] = struct{}{}
	l.strokes = append(l.strokes, stroke)
	return true
}

// Clear empties the log unconditionally and broadcasts the clear.
func (l *Log) Clear() error {
	l.reset()
	return l.b.SendWhiteboardClear()
}

// HandleRemoteClear empties the log on a remote clear.
func (l *Log) HandleRemoteClear() {
	l.reset()
}

// Strokes returns a copy of the log in arrival order.
func (l *Log) Strokes() []wire.Stroke {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]wire.Stroke, len(l.strokes))
	copy(out, l.strokes)
	return out
}

// Reset empties the log, for page-room switches.
func (l *Log) Reset() {
	l.reset()
}

func (l *Log) reset() {
	l.mu.Lock()
	l.strokes = nil
	l.seen = make(map[string]struct{})
	l.mu.Unlock()
}
