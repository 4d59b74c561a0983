// Package wire defines the message envelope and payload types exchanged
// over the realtime channel. Every frame is a JSON-encoded Envelope whose
// Event field selects the payload shape.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names carried in the Envelope. Outbound events are sent by
// clients; inbound events are delivered by the relay. document-update,
// cursor-update, selection-update and whiteboard-update travel in both
// directions: the relay stamps them with the sender's identity before
// rebroadcasting.
const (
	EventConnect          = "connect"
	EventConnectError     = "connect_error"
	EventJoinWorkspace    = "join-workspace"
	EventJoinPage         = "join-page"
	EventLeavePage        = "leave-page"
	EventCurrentUsers     = "current-users"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventDocumentUpdate   = "document-update"
	EventCursorUpdate     = "cursor-update"
	EventSelectionUpdate  = "selection-update"
	EventWhiteboardUpdate = "whiteboard-update"
)

// Envelope is the frame shape for every message on the wire.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an event and payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return data, nil
}

// Decode unmarshals a wire frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// ConnectAck is sent by the relay immediately after a successful
// connection and carries the connection id assigned to this link. A new
// id is assigned on every reconnect.
type ConnectAck struct {
	ConnectionID string `json:"connectionId"`
}

// ConnectError is sent by the relay when a connection attempt is
// rejected, before the link is closed.
type ConnectError struct {
	Message string `json:"message"`
}

// JoinWorkspace announces which workspace this connection belongs to.
type JoinWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
}

// PageRef scopes a join-page or leave-page event to one page room.
type PageRef struct {
	PageID string `json:"pageId"`
}

// CurrentUsers is the roster delivered on page join. The list is one
// entry per connection, so the same user id may appear more than once.
type CurrentUsers struct {
	UserIDs []string `json:"userIds"`
}

// UserEvent announces a user joining or leaving the page room.
type UserEvent struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// DocumentContent wraps the serialized document blob. The core treats
// the content as opaque; no structural diffing happens anywhere.
type DocumentContent struct {
	Content string `json:"content"`
}

// DocumentUpdate carries a whole-document snapshot. Outbound frames set
// PageID and Update; the relay fills UserID, ConnectionID and Timestamp
// before rebroadcasting.
type DocumentUpdate struct {
	PageID       string          `json:"pageId,omitempty"`
	Update       DocumentContent `json:"update"`
	UserID       string          `json:"userId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
}

// Selection is a text selection range within the document.
type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Cursor is a pointer position with an optional active selection.
type Cursor struct {
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Selection *Selection `json:"selection,omitempty"`
}

// CursorUpdate carries a cursor or selection signal. Ephemeral: never
// persisted, never replayed.
type CursorUpdate struct {
	PageID       string     `json:"pageId,omitempty"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	ConnectionID string     `json:"connectionId,omitempty"`
}

// Point is a single coordinate in a whiteboard stroke path.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one immutable freehand drawing stroke. The ID is globally
// unique and is the dedup key for replicated delivery.
type Stroke struct {
	ID          string  `json:"id"`
	Color       string  `json:"color"`
	Width       float64 `json:"width"`
	Points      []Point `json:"points"`
	OwnerUserID string  `json:"ownerUserId"`
}

// WhiteboardActionClear empties the entire stroke log. There is no undo.
const WhiteboardActionClear = "clear"

// WhiteboardUpdate carries either a stroke or a clear action.
type WhiteboardUpdate struct {
	PageID string  `json:"pageId,omitempty"`
	Stroke *Stroke `json:"stroke,omitempty"`
	Action string  `json:"action,omitempty"`
	UserID string  `json:"userId,omitempty"`
}
