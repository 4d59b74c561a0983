// Package health provides readiness state tracking and HTTP health
// check handlers for the relay.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Stats is a point-in-time snapshot of relay occupancy.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// StatsFunc supplies the current relay occupancy for readiness
// responses.
type StatsFunc func() Stats

// Checker tracks the readiness state of the relay.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32
	stats StatsFunc
}

// NewChecker creates a Checker in the Starting state. stats may be nil,
// in which case readiness responses omit occupancy.
func NewChecker(stats StatsFunc) *Checker {
	return &Checker{stats: stats}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string `json:"status"`
	Stats  *Stats `json:"stats,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds
// 200 OK. Clients also use this endpoint as a cheap reachability probe.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when
// ready and 503 when starting or draining. When a StatsFunc is set the
// body includes current room and connection counts.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: c.State()}
		if c.stats != nil {
			s := c.stats()
			resp.Stats = &s
		}
		if c.IsReady() {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
