// Package relay implements the server side of the realtime channel: a
// websocket hub holding one connection per client, grouped into
// per-workspace, per-page rooms. The relay authenticates the credential
// on connect, assigns a fresh connection id to every link, stamps each
// rebroadcast frame with the sender's identity, and delivers the
// current roster on page join. Broadcasts go to every connection in the
// room, including the sender; suppressing the resulting self-echo is
// the client's job.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/txn2/stateflow/pkg/health"
	"github.com/txn2/stateflow/pkg/wire"
)

// Config configures the relay.
type Config struct {
	// Address is the listen address for standalone serving.
	Address string `yaml:"address"`

	// Secret is the HS256 secret used to verify client credentials.
	Secret string `yaml:"secret"`
}

// Server is the relay hub.
type Server struct {
	secret   []byte
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
}

// client is one connected websocket link.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	connectionID string
	userID       string
	name         string
	avatar       string

	workspaceID string
	pageID      string
}

// New creates a relay verifying credentials against secret.
func New(secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		secret: []byte(secret),
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// Stats reports the current number of rooms and room memberships.
func (s *Server) Stats() health.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := health.Stats{Rooms: len(s.rooms)}
	for _, room := range s.rooms {
		stats.Connections += len(room)
	}
	return stats
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, connectionID: uuid.NewString()}

	if err := s.authenticate(c, r); err != nil {
		s.log.Info("rejecting connection", "error", err)
		c.write(wire.EventConnectError, wire.ConnectError{Message: err.Error()})
		conn.Close()
		return
	}

	if err := c.write(wire.EventConnect, wire.ConnectAck{ConnectionID: c.connectionID}); err != nil {
		conn.Close()
		return
	}

	s.log.Debug("client connected", "connectionId", c.connectionID, "userId", c.userID)
	s.readLoop(c)
}

// authenticate verifies the bearer credential and fills the client's
// identity from its claims.
func (s *Server) authenticate(c *client, r *http.Request) error {
	token := bearerToken(r)
	if token == "" {
		return fmt.Errorf("missing credential")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid credential claims")
	}
	c.userID, _ = claims["sub"].(string)
	c.name, _ = claims["name"].(string)
	c.avatar, _ = claims["avatar"].(string)
	if c.userID == "" {
		return fmt.Errorf("credential has no subject")
	}
	return nil
}

// bearerToken pulls the credential from the Authorization header or the
// token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readLoop consumes frames from one client until the connection drops.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.leaveRoom(c)
		c.conn.Close()
		s.log.Debug("client disconnected", "connectionId", c.connectionID)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.log.Debug("ignoring malformed frame", "connectionId", c.connectionID, "error", err)
			continue
		}
		s.handle(c, env)
	}
}

// handle processes one inbound frame. Unknown events are ignored.
func (s *Server) handle(c *client, env wire.Envelope) {
	switch env.Event {
	case wire.EventJoinWorkspace:
		var jw wire.JoinWorkspace
		if err := json.Unmarshal(env.Payload, &jw); err != nil || jw.WorkspaceID == "" {
			return
		}
		c.workspaceID = jw.WorkspaceID
	case wire.EventJoinPage:
		var pr wire.PageRef
		if err := json.Unmarshal(env.Payload, &pr); err != nil || pr.PageID == "" {
			return
		}
		s.joinRoom(c, pr.PageID)
	case wire.EventLeavePage:
		s.leaveRoom(c)
	case wire.EventDocumentUpdate:
		var du wire.DocumentUpdate
		if err := json.Unmarshal(env.Payload, &du); err != nil {
			return
		}
		du.UserID = c.userID
		du.ConnectionID = c.connectionID
		du.Timestamp = time.Now().UTC()
		s.broadcast(c.roomKey(), wire.EventDocumentUpdate, du)
	case wire.EventCursorUpdate, wire.EventSelectionUpdate:
		var cu wire.CursorUpdate
		if err := json.Unmarshal(env.Payload, &cu); err != nil {
			return
		}
		cu.UserID = c.userID
		cu.ConnectionID = c.connectionID
		s.broadcast(c.roomKey(), env.Event, cu)
	case wire.EventWhiteboardUpdate:
		var wu wire.WhiteboardUpdate
		if err := json.Unmarshal(env.Payload, &wu); err != nil {
			return
		}
		wu.UserID = c.userID
		s.broadcast(c.roomKey(), wire.EventWhiteboardUpdate, wu)
	default:
		s.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

// roomKey scopes a room to one page of one workspace.
func (c *client) roomKey() string {
	return c.workspaceID + "/" + c.pageID
}

// joinRoom moves the client into a page room, delivering the current
// roster to the joiner and announcing the join to the room. The roster
// is one entry per connection, so a user with two tabs appears twice;
// deduplication is the client's job.
func (s *Server) joinRoom(c *client, pageID string) {
	s.leaveRoom(c)

	s.mu.Lock()
	c.pageID = pageID
	key := c.roomKey()
	room, ok := s.rooms[key]
	if !ok {
		room = make(map[*client]struct{})
		s.rooms[key] = room
	}
	room[c] = struct{}{}

	userIDs := make([]string, 0, len(room))
	for member := range room {
		userIDs = append(userIDs, member.userID)
	}
	s.mu.Unlock()

	c.write(wire.EventCurrentUsers, wire.CurrentUsers{UserIDs: userIDs})
	s.broadcastExcept(key, c, wire.EventUserJoined, wire.UserEvent{
		UserID: c.userID,
		Name:   c.name,
		Avatar: c.avatar,
	})
}

// leaveRoom removes the client from its room, if any, and announces the
// departure.
func (s *Server) leaveRoom(c *client) {
	s.mu.Lock()
	if c.pageID == "" {
		s.mu.Unlock()
		return
	}
	key := c.roomKey()
	if room, ok := s.rooms[key]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(s.rooms, key)
		}
	}
	c.pageID = ""
	s.mu.Unlock()

	s.broadcast(key, wire.EventUserLeft, wire.UserEvent{UserID: c.userID})
}

// broadcast sends an event to every connection in a room, including the
// sender.
func (s *Server) broadcast(key, event string, payload any) {
	s.broadcastExcept(key, nil, event, payload)
}

// broadcastExcept sends an event to every connection in a room except
// the given one.
func (s *Server) broadcastExcept(key string, except *client, event string, payload any) {
	s.mu.Lock()
	members := make([]*client, 0, len(s.rooms[key]))
	for member := range s.rooms[key] {
		if member != except {
			members = append(members, member)
		}
	}
	s.mu.Unlock()

	for _, member := range members {
		if err := member.write(event, payload); err != nil {
			s.log.Debug("broadcast write failed", "connectionId", member.connectionID, "error", err)
		}
	}
}

// write encodes and sends one frame to this client.
func (c *client) write(event string, payload any) error {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
