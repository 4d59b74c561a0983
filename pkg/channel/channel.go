// Package channel owns the one physical websocket connection per
// workspace and multiplexes page-scoped rooms over it. It performs
// authentication, join/leave signaling and bounded automatic
// reconnection, and fans inbound traffic out to subscribers as tagged
// Event variants.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/txn2/stateflow/pkg/auth"
	"github.com/txn2/stateflow/pkg/netstatus"
	"github.com/txn2/stateflow/pkg/wire"
)

// Sentinel errors returned by the channel.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")

	// ErrAuthFailed is returned when the relay rejects the credential.
	// Fatal for the connection attempt: the channel never retries with
	// the same bad credential.
	ErrAuthFailed = errors.New("channel: authentication failed")

	// ErrNotConnected is returned when an operation requires a live
	// connection.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrNoRoom is returned when a room-scoped send happens before any
	// page room was joined.
	ErrNoRoom = errors.New("channel: no page room joined")
)

// Channel is the realtime link for one workspace.
type Channel struct {
	cfg       Config
	log       *slog.Logger
	net       *netstatus.Monitor
	extractor *auth.ClaimsExtractor
	creds     auth.CredentialProvider

	// ctx is the channel lifetime; cancelled by Close to abort any
	// in-flight reconnect backoff.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      ConnState
	sess       Session
	conn       *websocket.Conn
	credential string
	subs       []chan Event
	closed     bool

	// writeMu serializes frames; the websocket allows one writer.
	writeMu sync.Mutex
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.log = logger }
}

// WithMonitor wires transport lifecycle changes into the network status
// monitor.
func WithMonitor(m *netstatus.Monitor) Option {
	return func(c *Channel) { c.net = m }
}

// WithClaimsExtractor overrides the claim paths used to derive the
// local identity from the credential.
func WithClaimsExtractor(e *auth.ClaimsExtractor) Option {
	return func(c *Channel) { c.extractor = e }
}

// WithCredentialProvider registers a token source consulted before
// every dial. With a provider set the credential passed to Connect may
// be empty, and reconnects pick up refreshed tokens.
func WithCredentialProvider(p auth.CredentialProvider) Option {
	return func(c *Channel) { c.creds = p }
}

// New creates a channel. No connection is opened until Connect.
func New(cfg Config, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the workspace connection, authenticates, and joins the
// workspace once the transport confirms the link. If a live connection
// for this workspace already exists it is reused; a second physical
// connection is never opened for the same session. Authentication
// failure is fatal and returned as ErrAuthFailed.
func (c *Channel) Connect(ctx context.Context, workspaceID, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		if c.sess.WorkspaceID == workspaceID {
			c.mu.Unlock()
			return nil
		}
		other := c.sess.WorkspaceID
		c.mu.Unlock()
		return fmt.Errorf("channel: already connected to workspace %q", other)
	}
	c.state = Connecting
	c.sess = Session{WorkspaceID: workspaceID, State: Connecting}
	c.mu.Unlock()

	if c.creds != nil {
		fresh, err := c.creds.Credential(ctx)
		if err != nil {
			c.setDisconnected()
			return fmt.Errorf("channel: obtain credential: %w", err)
		}
		credential = fresh
	}
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()

	identity, err := auth.ParseCredential(credential, c.extractor)
	if err != nil {
		// Undecodable token: no local user id is known and self-echo
		// suppression degrades to best-effort.
		c.log.Warn("credential decode failed", "error", err)
	}
	c.mu.Lock()
	c.sess.UserID = identity.UserID
	c.mu.Unlock()

	// Fixed delay before the first attempt so a freshly started backend
	// has a chance to come up.
	select {
	case <-time.After(c.cfg.PreConnectDelay):
	case <-ctx.Done():
		c.setDisconnected()
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}

	if err := c.dial(ctx); err != nil {
		c.setDisconnected()
		c.emit(StateChanged{State: Disconnected, Err: err})
		return err
	}

	c.mu.Lock()
	c.state = Connected
	c.sess.State = Connected
	conn := c.conn
	c.mu.Unlock()

	if c.net != nil {
		c.net.SetOnline(true)
	}
	c.emit(StateChanged{State: Connected})
	go c.readLoop(conn)
	return nil
}

// dial opens the physical connection, reads the relay's connect ack
// (which assigns the new connection id), and re-emits the workspace and
// page join signals.
func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	credential := c.credential
	workspaceID := c.sess.WorkspaceID
	pageID := c.sess.PageID
	c.mu.Unlock()

	if c.creds != nil {
		fresh, err := c.creds.Credential(ctx)
		if err != nil {
			return fmt.Errorf("channel: obtain credential: %w", err)
		}
		credential = fresh
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: relay returned %d", ErrAuthFailed, resp.StatusCode)
		}
		return fmt.Errorf("channel: dial %s: %w", c.cfg.URL, err)
	}

	ack, err := readConnectAck(conn, c.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.sess.ConnectionID = ack.ConnectionID
	c.mu.Unlock()

	if err := c.send(wire.EventJoinWorkspace, wire.JoinWorkspace{WorkspaceID: workspaceID}); err != nil {
		conn.Close()
		return err
	}
	if pageID != "" {
		if err := c.send(wire.EventJoinPage, wire.PageRef{PageID: pageID}); err != nil {
			conn.Close()
			return err
		}
	}
	return nil
}

// readConnectAck reads the first frame of a fresh connection: either
// the connect ack carrying the assigned connection id, or a
// connect_error rejection.
func readConnectAck(conn *websocket.Conn, timeout time.Duration) (wire.ConnectAck, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.ConnectAck{}, fmt.Errorf("channel: read connect ack: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return wire.ConnectAck{}, fmt.Errorf("channel: connect ack: %w", err)
	}

	switch env.Event {
	case wire.EventConnectError:
		var ce wire.ConnectError
		if err := json.Unmarshal(env.Payload, &ce); err == nil && ce.Message != "" {
			return wire.ConnectAck{}, fmt.Errorf("%w: %s", ErrAuthFailed, ce.Message)
		}
		return wire.ConnectAck{}, ErrAuthFailed
	case wire.EventConnect:
		var ack wire.ConnectAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return wire.ConnectAck{}, fmt.Errorf("channel: decode connect ack: %w", err)
		}
		return ack, nil
	default:
		return wire.ConnectAck{}, fmt.Errorf("channel: unexpected first frame %q", env.Event)
	}
}

// readLoop consumes frames until the connection drops or the channel
// closes, reconnecting across drops.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			next, ok := c.reconnect(conn, err)
			if !ok {
				return
			}
			conn = next
			continue
		}
		c.handleFrame(data)
	}
}

// reconnect runs the bounded reconnect policy after a transport drop.
// It returns the new connection, or false when the channel is closed,
// the attempts are exhausted, or the credential was rejected.
func (c *Channel) reconnect(dropped *websocket.Conn, cause error) (*websocket.Conn, bool) {
	dropped.Close()

	c.mu.Lock()
	if c.closed || c.conn != dropped {
		c.mu.Unlock()
		return nil, false
	}
	c.conn = nil
	c.sess.ConnectionID = ""
	c.state = Reconnecting
	c.sess.State = Reconnecting
	c.mu.Unlock()

	c.log.Info("transport dropped, reconnecting", "error", cause)
	if c.net != nil {
		c.net.SetOnline(false)
		c.net.SetReconnecting(true)
	}
	c.emit(StateChanged{State: Reconnecting})

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.ReconnectInterval), c.cfg.ReconnectAttempts),
		c.ctx,
	)
	err := backoff.Retry(func() error {
		dialErr := c.dial(c.ctx)
		if errors.Is(dialErr, ErrAuthFailed) {
			return backoff.Permanent(dialErr)
		}
		return dialErr
	}, bo)

	if c.net != nil {
		c.net.SetReconnecting(false)
	}

	if err != nil {
		c.setDisconnected()
		c.log.Warn("reconnect attempts exhausted", "error", err)
		c.emit(StateChanged{State: Disconnected, Err: err})
		return nil, false
	}

	c.mu.Lock()
	c.state = Connected
	c.sess.State = Connected
	conn := c.conn
	c.mu.Unlock()

	if c.net != nil {
		c.net.SetOnline(true)
	}
	c.emit(StateChanged{State: Connected})
	return conn, true
}

// handleFrame decodes one inbound frame and emits the matching event.
// Unexpected or malformed payloads are skipped; a single bad message
// never takes the channel down.
func (c *Channel) handleFrame(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		c.log.Debug("ignoring malformed frame", "error", err)
		return
	}

	switch env.Event {
	case wire.EventCurrentUsers:
		var cu wire.CurrentUsers
		if err := json.Unmarshal(env.Payload, &cu); err != nil {
			c.log.Debug("ignoring malformed current-users", "error", err)
			return
		}
		c.emit(RosterReceived{UserIDs: cu.UserIDs})
	case wire.EventUserJoined:
		var ue wire.UserEvent
		if err := json.Unmarshal(env.Payload, &ue); err != nil {
			c.log.Debug("ignoring malformed user-joined", "error", err)
			return
		}
		c.emit(PresenceJoined{UserID: ue.UserID, Name: ue.Name, Avatar: ue.Avatar})
	case wire.EventUserLeft:
		var ue wire.UserEvent
		if err := json.Unmarshal(env.Payload, &ue); err != nil {
			c.log.Debug("ignoring malformed user-left", "error", err)
			return
		}
		c.emit(PresenceLeft{UserID: ue.UserID})
	case wire.EventDocumentUpdate:
		var du wire.DocumentUpdate
		if err := json.Unmarshal(env.Payload, &du); err != nil {
			c.log.Debug("ignoring malformed document-update", "error", err)
			return
		}
		c.emit(DocumentUpdated{Update: du})
	case wire.EventCursorUpdate:
		var cu wire.CursorUpdate
		if err := json.Unmarshal(env.Payload, &cu); err != nil {
			c.log.Debug("ignoring malformed cursor-update", "error", err)
			return
		}
		c.emit(CursorMoved{Update: cu})
	case wire.EventSelectionUpdate:
		var cu wire.CursorUpdate
		if err := json.Unmarshal(env.Payload, &cu); err != nil {
			c.log.Debug("ignoring malformed selection-update", "error", err)
			return
		}
		c.emit(SelectionChanged{Update: cu})
	case wire.EventWhiteboardUpdate:
		var wu wire.WhiteboardUpdate
		if err := json.Unmarshal(env.Payload, &wu); err != nil {
			c.log.Debug("ignoring malformed whiteboard-update", "error", err)
			return
		}
		if wu.Action == wire.WhiteboardActionClear {
			c.emit(StrokeCleared{UserID: wu.UserID})
		} else if wu.Stroke != nil {
			c.emit(StrokeAdded{Stroke: *wu.Stroke, UserID: wu.UserID})
		}
	default:
		c.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

// JoinPage scopes subsequent document, cursor and whiteboard traffic to
// one page room, leaving the previous room first. Subscribers receive a
// RoomChanged event and must reset page-scoped state.
func (c *Channel) JoinPage(pageID string) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	old := c.sess.PageID
	if old == pageID {
		c.mu.Unlock()
		return nil
	}
	c.sess.PageID = pageID
	c.mu.Unlock()

	if old != "" {
		if err := c.send(wire.EventLeavePage, wire.PageRef{PageID: old}); err != nil {
			return err
		}
	}
	if err := c.send(wire.EventJoinPage, wire.PageRef{PageID: pageID}); err != nil {
		return err
	}
	c.emit(RoomChanged{PageID: pageID})
	return nil
}

// LeavePage leaves the current page room, if any.
func (c *Channel) LeavePage() error {
	c.mu.Lock()
	old := c.sess.PageID
	c.sess.PageID = ""
	state := c.state
	c.mu.Unlock()

	if old == "" {
		return nil
	}
	if state == Connected {
		if err := c.send(wire.EventLeavePage, wire.PageRef{PageID: old}); err != nil {
			return err
		}
	}
	c.emit(RoomChanged{})
	return nil
}

// SendDocumentUpdate broadcasts a whole-document snapshot to the
// current page room.
func (c *Channel) SendDocumentUpdate(content string) error {
	sess := c.Session()
	if sess.PageID == "" {
		return ErrNoRoom
	}
	return c.send(wire.EventDocumentUpdate, wire.DocumentUpdate{
		PageID: sess.PageID,
		Update: wire.DocumentContent{Content: content},
	})
}

// SendCursorUpdate broadcasts a cursor position. Fire-and-forget: no
// retry, no persistence.
func (c *Channel) SendCursorUpdate(cursor wire.Cursor) error {
	sess := c.Session()
	if sess.PageID == "" {
		return ErrNoRoom
	}
	return c.send(wire.EventCursorUpdate, wire.CursorUpdate{PageID: sess.PageID, Cursor: &cursor})
}

// SendSelectionUpdate broadcasts a text selection. Fire-and-forget.
func (c *Channel) SendSelectionUpdate(sel wire.Selection) error {
	sess := c.Session()
	if sess.PageID == "" {
		return ErrNoRoom
	}
	return c.send(wire.EventSelectionUpdate, wire.CursorUpdate{PageID: sess.PageID, Selection: &sel})
}

// SendStroke broadcasts one whiteboard stroke.
func (c *Channel) SendStroke(stroke wire.Stroke) error {
	sess := c.Session()
	if sess.PageID == "" {
		return ErrNoRoom
	}
	return c.send(wire.EventWhiteboardUpdate, wire.WhiteboardUpdate{PageID: sess.PageID, Stroke: &stroke})
}

// SendWhiteboardClear broadcasts a whiteboard clear.
func (c *Channel) SendWhiteboardClear() error {
	sess := c.Session()
	if sess.PageID == "" {
		return ErrNoRoom
	}
	return c.send(wire.EventWhiteboardUpdate, wire.WhiteboardUpdate{PageID: sess.PageID, Action: wire.WhiteboardActionClear})
}

// send encodes and writes one frame.
func (c *Channel) send(event string, payload any) error {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("channel: send %s: %w", event, err)
	}
	return nil
}

// Subscribe returns a buffered stream of inbound events. A subscriber
// that stops draining loses events rather than blocking the channel.
func (c *Channel) Subscribe() <-chan Event {
	ch := make(chan Event, c.cfg.SubscriberBuffer)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a previously subscribed stream. The channel is
// not closed; the caller simply stops receiving.
func (c *Channel) Unsubscribe(sub <-chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.subs {
		if ch == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// emit fans an event out to all subscribers without blocking.
func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	subs := make([]chan Event, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			c.log.Debug("subscriber behind, dropping event")
		}
	}
}

// Session returns a copy of the current session identity.
func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess
	sess.State = c.state
	return sess
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setDisconnected clears connection-scoped session state. The durable
// local queue is untouched; it survives disconnects and full reloads.
func (c *Channel) setDisconnected() {
	c.mu.Lock()
	c.state = Disconnected
	c.sess.State = Disconnected
	c.sess.ConnectionID = ""
	c.conn = nil
	c.mu.Unlock()
}

// Close tears the channel down. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.sess.State = Disconnected
	c.sess.ConnectionID = ""
	c.sess.PageID = ""
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	return nil
}
