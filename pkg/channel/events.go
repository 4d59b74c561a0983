package channel

import "github.com/txn2/stateflow/pkg/wire"

// Event is a tagged variant delivered to subscribers. One inbound
// stream carries every room-scoped message plus channel lifecycle
// changes; each component picks the variants it cares about.
type Event interface {
	isEvent()
}

// StateChanged reports a connection lifecycle transition. Err is set
// only when the transition was caused by a failure, such as reconnect
// exhaustion; transport drops themselves are non-fatal status changes.
type StateChanged struct {
	State ConnState
	Err   error
}

// RoomChanged reports that the active page room switched. Page-scoped
// state (cursors, strokes) must be reset on this event. PageID is empty
// after a bare leave.
type RoomChanged struct {
	PageID string
}

// RosterReceived carries the current page room roster as delivered on
// join. The wire list may contain duplicate user ids.
type RosterReceived struct {
	UserIDs []string
}

// PresenceJoined reports a user joining the page room.
type PresenceJoined struct {
	UserID string
	Name   string
	Avatar string
}

// PresenceLeft reports a user leaving the page room.
type PresenceLeft struct {
	UserID string
}

// DocumentUpdated carries a whole-document snapshot from the relay,
// including the sender's origin ids for echo suppression.
type DocumentUpdated struct {
	Update wire.DocumentUpdate
}

// CursorMoved carries a cursor position signal.
type CursorMoved struct {
	Update wire.CursorUpdate
}

// SelectionChanged carries a text-selection signal.
type SelectionChanged struct {
	Update wire.CursorUpdate
}

// StrokeAdded carries one whiteboard stroke.
type StrokeAdded struct {
	Stroke wire.Stroke
	UserID string
}

// StrokeCleared reports a whiteboard clear.
type StrokeCleared struct {
	UserID string
}

func (StateChanged) isEvent()     {}
func (RoomChanged) isEvent()      {}
func (RosterReceived) isEvent()   {}
func (PresenceJoined) isEvent()   {}
func (PresenceLeft) isEvent()     {}
func (DocumentUpdated) isEvent()  {}
func (CursorMoved) isEvent()      {}
func (SelectionChanged) isEvent() {}
func (StrokeAdded) isEvent()      {}
func (StrokeCleared) isEvent()    {}
