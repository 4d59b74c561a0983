// Package syncer drains the durable local queue against the backend
// write API whenever connectivity allows. Writes buffered while offline
// are replayed in FIFO enqueue order with a bounded per-operation retry
// policy: three failed attempts and the operation is dropped, and the
// drop is surfaced rather than hidden.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/stateflow/pkg/localstore"
	"github.com/txn2/stateflow/pkg/netstatus"
)

// Sentinel errors returned by the coordinator.
var (
	// ErrOffline is returned when a manual drain is requested while the
	// network monitor reports offline.
	ErrOffline = errors.New("syncer: offline")

	// ErrDrainInFlight is returned when a drain is already running.
	ErrDrainInFlight = errors.New("syncer: drain already in flight")
)

// retryCeiling is the number of failed dispatch attempts after which an
// operation is dropped. There is deliberately no idempotency key on
// writes: a create that succeeded server-side but failed to acknowledge
// may be duplicated by a retry.
const retryCeiling = 3

// BackendAPI is the write surface of the backend, one endpoint per
// resource type and kind. Implemented by an external collaborator; the
// coordinator only sees success or failure.
type BackendAPI interface {
	Create(ctx context.Context, resourceType localstore.ResourceType, payload json.RawMessage) error
	Update(ctx context.Context, resourceType localstore.ResourceType, payload json.RawMessage) error
	Delete(ctx context.Context, resourceType localstore.ResourceType, payload json.RawMessage) error
}

// Report summarizes one drain pass.
type Report struct {
	Synced  int
	Failed  int
	Dropped int
}

// DroppedFunc is notified when an operation exhausts its retries and is
// removed from the queue. The data loss is explicit: the operation will
// never be attempted again.
type DroppedFunc func(op localstore.PendingOperation, err error)

// Coordinator owns the pending-operation queue lifecycle between
// enqueue and backend acknowledgement.
type Coordinator struct {
	store   *localstore.Store
	backend BackendAPI
	net     *netstatus.Monitor
	log     *slog.Logger

	settleDelay time.Duration
	onDropped   DroppedFunc

	mu       sync.Mutex
	draining bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSettleDelay overrides the delay between an online transition and
// the automatic drain it schedules.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.settleDelay = d }
}

// WithDroppedFunc registers the dropped-operation notification.
func WithDroppedFunc(fn DroppedFunc) Option {
	return func(c *Coordinator) { c.onDropped = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.log = logger }
}

// New creates a coordinator and hooks it to the network monitor: an
// offline→online transition schedules a drain after a short settle
// delay.
func New(store *localstore.Store, backend BackendAPI, net *netstatus.Monitor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		backend:     backend,
		net:         net,
		log:         slog.Default(),
		settleDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	net.OnChange(func(status netstatus.Status) {
		if status.Online {
			c.scheduleDrain(c.settleDelay)
		}
	})

	return c
}

// QueueOperation appends a pending operation to the durable queue and
// returns its id immediately; it never blocks on the network. If the
// network is up, an asynchronous drain is scheduled shortly after.
func (c *Coordinator) QueueOperation(kind localstore.OpKind, resourceType localstore.ResourceType, payload json.RawMessage) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("syncer: unknown operation kind %q", kind)
	}
	if !resourceType.Valid() {
		return "", fmt.Errorf("syncer: unknown resource type %q", resourceType)
	}

	op := &localstore.PendingOperation{
		ID:           uuid.NewString(),
		Kind:         kind,
		ResourceType: resourceType,
		Payload:      payload,
		EnqueuedAt:   time.Now().UTC(),
		State:        localstore.StatePending,
	}
	if err := c.store.EnqueueOperation(op); err != nil {
		return "", fmt.Errorf("syncer: enqueue: %w", err)
	}

	c.log.Debug("queued operation", "op", op.String())

	if c.net.Online() {
		c.scheduleDrain(50 * time.Millisecond)
	}
	return op.ID, nil
}

// scheduleDrain runs a drain after delay, quietly skipping when one is
// already in flight or connectivity vanished in the meantime.
func (c *Coordinator) scheduleDrain(delay time.Duration) {
	time.AfterFunc(delay, func() {
		report, err := c.Drain(context.Background())
		switch {
		case errors.Is(err, ErrDrainInFlight), errors.Is(err, ErrOffline):
		case err != nil:
			c.log.Warn("scheduled drain failed", "error", err)
		default:
			if report.Synced+report.Failed+report.Dropped > 0 {
				c.log.Info("drain complete",
					"synced", report.Synced, "failed", report.Failed, "dropped", report.Dropped)
			}
		}
	})
}

// Drain flushes the pending queue once. Only one drain runs at a time;
// a concurrent call returns ErrDrainInFlight. Calling while offline
// returns ErrOffline. Operations dispatch in FIFO enqueue order; each
// failure advances the operation's retry state, and an operation that
// reaches the ceiling is removed and reported through the dropped
// notification.
func (c *Coordinator) Drain(ctx context.Context) (Report, error) {
	if !c.net.Online() {
		return Report{}, ErrOffline
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return Report{}, ErrDrainInFlight
	}
	c.draining = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	ops, err := c.store.PendingOperations()
	if err != nil {
		return Report{}, fmt.Errorf("syncer: read queue: %w", err)
	}

	var report Report
	for i := range ops {
		op := ops[i]
		if err := ctx.Err(); err != nil {
			return report, err
		}

		dispatchErr := c.dispatch(ctx, &op)
		if dispatchErr == nil {
			if err := c.store.DeleteOperation(op.ID); err != nil {
				return report, fmt.Errorf("syncer: remove synced operation: %w", err)
			}
			report.Synced++
			continue
		}

		switch op.RecordFailure(retryCeiling) {
		case localstore.StateDropped:
			if err := c.store.DeleteOperation(op.ID); err != nil {
				return report, fmt.Errorf("syncer: remove dropped operation: %w", err)
			}
			report.Dropped++
			c.log.Warn("operation dropped after retry ceiling", "op", op.String(), "error", dispatchErr)
			if c.onDropped != nil {
				c.onDropped(op, dispatchErr)
			}
		default:
			if err := c.store.UpdateOperation(&op); err != nil {
				return report, fmt.Errorf("syncer: persist retry state: %w", err)
			}
			report.Failed++
			c.log.Debug("operation failed, will retry", "op", op.String(), "error", dispatchErr)
		}
	}

	return report, nil
}

// dispatch issues the backend call matching the operation kind.
func (c *Coordinator) dispatch(ctx context.Context, op *localstore.PendingOperation) error {
	switch op.Kind {
	case localstore.OpCreate:
		return c.backend.Create(ctx, op.ResourceType, op.Payload)
	case localstore.OpUpdate:
		return c.backend.Update(ctx, op.ResourceType, op.Payload)
	case localstore.OpDelete:
		return c.backend.Delete(ctx, op.ResourceType, op.Payload)
	default:
		return fmt.Errorf("syncer: unknown operation kind %q", op.Kind)
	}
}
