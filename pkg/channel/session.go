package channel

// ConnState is the connection lifecycle state of the channel.
type ConnState int

// Connection states. A drop from Connected moves to Reconnecting; when
// the bounded reconnect attempts are exhausted the channel settles back
// in Disconnected.
const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Session is the identity of the current link. The ConnectionID is
// assigned fresh by the relay on every successful (re)connect, so
// components that filter out their own echoes must re-read the session
// instead of caching the id. UserID is decoded once from the auth
// credential and may be empty when the credential was undecodable, in
// which case self-echo suppression degrades to best-effort.
type Session struct {
	WorkspaceID  string
	PageID       string
	ConnectionID string
	UserID       string
	State        ConnState
}

// IsOwn reports whether a message stamped with the given origin ids was
// sent over this session's own connection. The connection id is the
// authority; the user id is the fallback when no connection id is
// available. With neither id known the message is treated as remote.
func (s Session) IsOwn(originConnectionID, originUserID string) bool {
	if originConnectionID != "" && s.ConnectionID != "" {
		return originConnectionID == s.ConnectionID
	}
	if originUserID != "" && s.UserID != "" {
		return originUserID == s.UserID
	}
	return false
}
