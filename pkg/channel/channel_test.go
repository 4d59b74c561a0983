package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/stateflow/internal/relay"
	"github.com/txn2/stateflow/pkg/auth"
	"github.com/txn2/stateflow/pkg/wire"
)

const testSecret = "relay-test-secret"

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.New(testSecret, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": name,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		PreConnectDelay:   time.Millisecond,
		ReconnectAttempts: 5,
		ReconnectInterval: 50 * time.Millisecond,
	}
}

// waitEvent drains sub until match returns true or the timeout expires.
func waitEvent(t *testing.T, sub <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestConnectAssignsSession(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "Ada")))

	sess := c.Session()
	assert.Equal(t, "ws-1", sess.WorkspaceID)
	assert.Equal(t, "u1", sess.UserID)
	assert.NotEmpty(t, sess.ConnectionID)
	assert.Equal(t, Connected, c.State())
}

func TestConnectReusesLiveConnection(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "")))
	first := c.Session().ConnectionID

	// A second connect for the same workspace never opens a second
	// physical connection.
	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "")))
	assert.Equal(t, first, c.Session().ConnectionID)

	err := c.Connect(context.Background(), "ws-other", testToken(t, "u1", ""))
	assert.Error(t, err)
}

func TestAuthenticationFailureIsFatal(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).
		SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	err = c.Connect(context.Background(), "ws-1", bad)
	assert.ErrorIs(t, err, ErrAuthFailed)
	// No silent retry with the same bad credential.
	assert.Equal(t, Disconnected, c.State())
}

func TestMalformedCredentialDegradesGracefully(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()

	// The relay rejects it, but the failure mode on the client side is
	// a clean error, not a panic, and no user id is derived.
	err := c.Connect(context.Background(), "ws-1", "garbage")
	require.Error(t, err)
	assert.Empty(t, c.Session().UserID)
}

func TestJoinPageDeliversRoster(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()
	sub := c.Subscribe()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "Ada")))
	require.NoError(t, c.JoinPage("p1"))

	ev := waitEvent(t, sub, func(ev Event) bool {
		_, ok := ev.(RosterReceived)
		return ok
	})
	assert.Equal(t, []string{"u1"}, ev.(RosterReceived).UserIDs)
}

func TestDocumentUpdateEndToEnd(t *testing.T) {
	url := startRelay(t)

	a := New(testConfig(url))
	defer a.Close()
	b := New(testConfig(url))
	defer b.Close()

	subA := a.Subscribe()
	subB := b.Subscribe()

	require.NoError(t, a.Connect(context.Background(), "ws-1", testToken(t, "ua", "A")))
	require.NoError(t, a.JoinPage("p1"))
	require.NoError(t, b.Connect(context.Background(), "ws-1", testToken(t, "ub", "B")))
	require.NoError(t, b.JoinPage("p1"))

	// B is in the room once its roster arrives.
	waitEvent(t, subB, func(ev Event) bool {
		_, ok := ev.(RosterReceived)
		return ok
	})

	require.NoError(t, a.SendDocumentUpdate("<p>hello</p>"))

	// B receives the snapshot stamped with A's connection id.
	ev := waitEvent(t, subB, func(ev Event) bool {
		_, ok := ev.(DocumentUpdated)
		return ok
	})
	du := ev.(DocumentUpdated).Update
	assert.Equal(t, "<p>hello</p>", du.Update.Content)
	assert.Equal(t, "ua", du.UserID)
	assert.Equal(t, a.Session().ConnectionID, du.ConnectionID)
	assert.False(t, du.Timestamp.IsZero())

	// A receives its own echo, tagged with its own connection id, which
	// is exactly what lets document sync suppress it.
	ev = waitEvent(t, subA, func(ev Event) bool {
		_, ok := ev.(DocumentUpdated)
		return ok
	})
	assert.Equal(t, a.Session().ConnectionID, ev.(DocumentUpdated).Update.ConnectionID)
}

func TestRoomChangedOnPageSwitch(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()
	sub := c.Subscribe()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "")))
	require.NoError(t, c.JoinPage("p1"))
	require.NoError(t, c.JoinPage("p2"))

	ev := waitEvent(t, sub, func(ev Event) bool {
		rc, ok := ev.(RoomChanged)
		return ok && rc.PageID == "p2"
	})
	assert.Equal(t, "p2", ev.(RoomChanged).PageID)
	assert.Equal(t, "p2", c.Session().PageID)
}

func TestReconnectAssignsNewConnectionID(t *testing.T) {
	srv := httptest.NewServer(relay.New(testSecret, nil))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := New(testConfig(url))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "")))
	first := c.Session().ConnectionID

	// Kill the transport out from under the channel; the relay stays up
	// so the bounded reconnect succeeds.
	srv.CloseClientConnections()

	require.Eventually(t, func() bool {
		sess := c.Session()
		return sess.State == Connected && sess.ConnectionID != "" && sess.ConnectionID != first
	}, 5*time.Second, 20*time.Millisecond, "expected a fresh connection id after reconnect")
}

func TestReconnectExhaustionSettlesDisconnected(t *testing.T) {
	srv := httptest.NewServer(relay.New(testSecret, nil))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := testConfig(url)
	cfg.ReconnectAttempts = 2
	cfg.ReconnectInterval = 20 * time.Millisecond
	c := New(cfg)
	defer c.Close()
	sub := c.Subscribe()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "")))

	// Take the relay away entirely; every reconnect attempt fails.
	srv.CloseClientConnections()
	srv.Close()

	ev := waitEvent(t, sub, func(ev Event) bool {
		sc, ok := ev.(StateChanged)
		return ok && sc.State == Disconnected
	})
	// Exhaustion is surfaced as a non-fatal connectivity error.
	assert.Error(t, ev.(StateChanged).Err)
	assert.Equal(t, Disconnected, c.State())
}

func TestSendRequiresRoom(t *testing.T) {
	url := startRelay(t)
	c := New(testConfig(url))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), "ws-1", testToken(t, "u1", "")))

	assert.ErrorIs(t, c.SendDocumentUpdate("<p>x</p>"), ErrNoRoom)
	assert.ErrorIs(t, c.SendCursorUpdate(wire.Cursor{}), ErrNoRoom)
	assert.ErrorIs(t, c.SendStroke(wire.Stroke{ID: "s1"}), ErrNoRoom)
}

// countingProvider hands out a fixed token and counts how often it is
// consulted.
type countingProvider struct {
	mu    sync.Mutex
	token string
	calls int
}

func (p *countingProvider) Credential(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.token, nil
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestCredentialProvider(t *testing.T) {
	t.Run("static provider supplies the token", func(t *testing.T) {
		url := startRelay(t)
		c := New(testConfig(url),
			WithCredentialProvider(auth.StaticCredential(testToken(t, "u1", "Ada"))))
		defer c.Close()

		require.NoError(t, c.Connect(context.Background(), "ws-1", ""))
		assert.Equal(t, "u1", c.Session().UserID)
	})

	t.Run("reconnect consults the provider again", func(t *testing.T) {
		srv := httptest.NewServer(relay.New(testSecret, nil))
		t.Cleanup(srv.Close)
		url := "ws" + strings.TrimPrefix(srv.URL, "http")

		provider := &countingProvider{token: testToken(t, "u1", "")}
		c := New(testConfig(url), WithCredentialProvider(provider))
		defer c.Close()

		require.NoError(t, c.Connect(context.Background(), "ws-1", ""))
		before := provider.count()

		srv.CloseClientConnections()
		require.Eventually(t, func() bool {
			return c.State() == Connected && provider.count() > before
		}, 5*time.Second, 20*time.Millisecond, "expected a fresh provider call on reconnect")
	})
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:0"))
	defer c.Close()

	err := c.SendDocumentUpdate("<p>x</p>")
	assert.Error(t, err)
}
