package channel

import "time"

// Config tunes the realtime channel. All durations are tunables, not
// correctness requirements; zero values fall back to defaults.
type Config struct {
	// URL is the websocket endpoint of the relay, e.g.
	// "ws://localhost:8080/ws".
	URL string `yaml:"url"`

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// PreConnectDelay is a short fixed delay before the first connect
	// attempt, avoiding a race against a not-yet-ready backend.
	PreConnectDelay time.Duration `yaml:"pre_connect_delay"`

	// ReconnectAttempts bounds automatic reconnection after a transport
	// drop. On exhaustion the channel settles in Disconnected.
	ReconnectAttempts uint64 `yaml:"reconnect_attempts"`

	// ReconnectInterval is the fixed backoff between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// SubscriberBuffer is the per-subscriber event buffer. A subscriber
	// that falls this far behind starts losing events.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PreConnectDelay == 0 {
		c.PreConnectDelay = 100 * time.Millisecond
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 64
	}
	return c
}
