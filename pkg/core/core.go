// Package core composes the realtime synchronization components for one
// workspace: the channel, presence tracker, document sync, cursor
// relay, whiteboard log, and the offline sync coordinator over the
// durable local queue. A single dispatcher goroutine consumes the
// channel's tagged event stream and routes each variant to the
// component that owns it.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/stateflow/pkg/channel"
	"github.com/txn2/stateflow/pkg/cursors"
	"github.com/txn2/stateflow/pkg/docsync"
	"github.com/txn2/stateflow/pkg/localstore"
	"github.com/txn2/stateflow/pkg/netstatus"
	"github.com/txn2/stateflow/pkg/presence"
	"github.com/txn2/stateflow/pkg/syncer"
	"github.com/txn2/stateflow/pkg/whiteboard"
)

// Config configures the composed core.
type Config struct {
	Channel channel.Config `yaml:"channel"`

	// StorePath is the durable local queue file.
	StorePath string `yaml:"store_path"`

	// SettleDelay is the pause between an online transition and the
	// drain it schedules.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Core is one workspace's realtime synchronization state.
type Core struct {
	Channel    *channel.Channel
	Net        *netstatus.Monitor
	Store      *localstore.Store
	Syncer     *syncer.Coordinator
	Presence   *presence.Tracker
	Document   *docsync.Document
	Cursors    *cursors.Map
	Whiteboard *whiteboard.Log

	workspaceID string
	log         *slog.Logger
	sub         <-chan channel.Event
	done        chan struct{}
}

// Option configures a Core.
type Option func(*options)

type options struct {
	log       *slog.Logger
	onApply   docsync.ApplyFunc
	onDropped syncer.DroppedFunc
}

// WithLogger overrides the default logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.log = logger }
}

// WithApplyFunc registers the remote document apply notification.
func WithApplyFunc(fn docsync.ApplyFunc) Option {
	return func(o *options) { o.onApply = fn }
}

// WithDroppedFunc registers the dropped-operation notification.
func WithDroppedFunc(fn syncer.DroppedFunc) Option {
	return func(o *options) { o.onDropped = fn }
}

// New builds the core for one workspace. backend and lookup are the
// external collaborators; lookup may be nil.
func New(cfg Config, workspaceID string, backend syncer.BackendAPI, lookup presence.MembershipLookup, opts ...Option) (*Core, error) {
	o := &options{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	store, err := localstore.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("core: open local store: %w", err)
	}

	mon := netstatus.New(o.log)
	ch := channel.New(cfg.Channel, channel.WithLogger(o.log), channel.WithMonitor(mon))

	syncOpts := []syncer.Option{syncer.WithLogger(o.log)}
	if cfg.SettleDelay > 0 {
		syncOpts = append(syncOpts, syncer.WithSettleDelay(cfg.SettleDelay))
	}
	if o.onDropped != nil {
		syncOpts = append(syncOpts, syncer.WithDroppedFunc(o.onDropped))
	}

	c := &Core{
		Channel:     ch,
		Net:         mon,
		Store:       store,
		Syncer:      syncer.New(store, backend, mon, syncOpts...),
		Cursors:     cursors.New(ch, o.log),
		Whiteboard:  whiteboard.New(ch, o.log),
		workspaceID: workspaceID,
		log:         o.log,
		done:        make(chan struct{}),
	}

	docOpts := []docsync.Option{docsync.WithLogger(o.log)}
	if o.onApply != nil {
		docOpts = append(docOpts, docsync.WithApplyFunc(o.onApply))
	}
	c.Document = docsync.New(ch, docOpts...)

	c.Presence = presence.New(workspaceID, lookup,
		presence.WithLogger(o.log),
		presence.WithLeaveFunc(c.Cursors.Remove))

	c.sub = ch.Subscribe()
	go c.dispatch()
	return c, nil
}

// Connect opens the workspace connection with the given credential.
func (c *Core) Connect(ctx context.Context, credential string) error {
	return c.Channel.Connect(ctx, c.workspaceID, credential)
}

// JoinPage switches the active page room. Page-scoped state is reset by
// the RoomChanged event the switch emits.
func (c *Core) JoinPage(pageID string) error {
	return c.Channel.JoinPage(pageID)
}

// LeavePage leaves the active page room.
func (c *Core) LeavePage() error {
	return c.Channel.LeavePage()
}

// dispatch routes inbound events to components until Close.
func (c *Core) dispatch() {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.sub:
			c.route(ctx, ev)
		}
	}
}

// route handles one event. Nothing here may panic outward: a bad
// message becomes at most a debug log.
func (c *Core) route(ctx context.Context, ev channel.Event) {
	switch ev := ev.(type) {
	case channel.RosterReceived:
		c.Presence.HandleRoster(ctx, ev.UserIDs)
	case channel.PresenceJoined:
		c.Presence.HandleJoin(ctx, ev.UserID, ev.Name, ev.Avatar)
	case channel.PresenceLeft:
		c.Presence.HandleLeave(ev.UserID)
	case channel.DocumentUpdated:
		c.Document.HandleRemote(ev.Update)
	case channel.CursorMoved:
		c.Cursors.HandleRemote(ev.Update)
	case channel.SelectionChanged:
		c.Cursors.HandleRemote(ev.Update)
	case channel.StrokeAdded:
		c.Whiteboard.HandleRemoteStroke(ev.Stroke)
	case channel.StrokeCleared:
		c.Whiteboard.HandleRemoteClear()
	case channel.RoomChanged:
		// Strokes and cursors are page-scoped; the roster belongs to
		// the room being left as well.
		c.Cursors.Reset()
		c.Whiteboard.Reset()
		c.Presence.Reset()
	case channel.StateChanged:
		if ev.State == channel.Disconnected {
			// Connection-scoped state goes; the durable local queue
			// stays and survives reconnects and reloads.
			c.Presence.Reset()
			c.Cursors.Reset()
		}
	}
}

// Close tears down the channel, the dispatcher and the local store.
func (c *Core) Close() error {
	close(c.done)
	err := c.Channel.Close()
	if cerr := c.Store.Close(); err == nil {
		err = cerr
	}
	return err
}
