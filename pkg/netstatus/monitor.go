// Package netstatus observes connectivity transitions and exposes the
// current online/offline state plus a reconnecting flag. State changes
// come from the realtime channel's lifecycle, from callers, or from the
// optional active probe loop.
package netstatus

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is a point-in-time connectivity snapshot.
type Status struct {
	Online       bool
	Reconnecting bool
}

// Monitor tracks connectivity and notifies subscribers on transitions.
// The zero value is offline; use New to start online.
type Monitor struct {
	mu     sync.Mutex
	status Status
	subs   []func(Status)

	log *slog.Logger
}

// New returns a monitor that assumes connectivity until told otherwise.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		status: Status{Online: true},
		log:    logger,
	}
}

// Online reports whether the network is currently considered reachable.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Online
}

// Reconnecting reports whether the realtime channel is mid-reconnect.
func (m *Monitor) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Reconnecting
}

// SetOnline records an online/offline transition. Subscribers are
// notified only on actual changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.status.Online == online {
		m.mu.Unlock()
		return
	}
	m.status.Online = online
	status := m.status
	subs := make([]func(Status), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.log.Debug("connectivity change", "online", status.Online)
	for _, fn := range subs {
		fn(status)
	}
}

// SetReconnecting records whether a reconnect is in progress.
func (m *Monitor) SetReconnecting(reconnecting bool) {
	m.mu.Lock()
	if m.status.Reconnecting == reconnecting {
		m.mu.Unlock()
		return
	}
	m.status.Reconnecting = reconnecting
	status := m.status
	subs := make([]func(Status), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

// OnChange registers fn to run on every status transition. fn is called
// synchronously from the goroutine that triggered the change.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// RunProbe polls url at the given interval and feeds the result into
// SetOnline. It blocks until ctx is cancelled. Any HTTP response counts
// as reachable; only transport failures mark the network offline.
func (m *Monitor) RunProbe(ctx context.Context, url string, interval time.Duration) {
	client := &http.Client{Timeout: interval}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
			if err != nil {
				m.log.Debug("probe request build failed", "error", err)
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				m.SetOnline(false)
				continue
			}
			resp.Body.Close()
			m.SetOnline(true)
		}
	}
}
