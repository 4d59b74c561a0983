// Package docsync keeps one collaboratively-edited document in step
// across clients by broadcasting whole-document snapshots and applying
// remote ones. There is no merge: the policy is last-writer-wins by
// arrival order, a documented limitation of the system, and a snapshot
// that echoes back from this client's own connection is never applied.
package docsync

import (
	"log/slog"
	"sync"

	"github.com/txn2/stateflow/pkg/channel"
	"github.com/txn2/stateflow/pkg/wire"
)

// Broadcaster is the slice of the realtime channel the document needs.
type Broadcaster interface {
	SendDocumentUpdate(content string) error
	Session() channel.Session
}

// ApplyFunc is invoked after a remote snapshot replaces the local
// content, so the caller can re-render. Cursor-position preservation is
// the caller's concern; the core only guarantees the stored document
// equals the most recently applied snapshot.
type ApplyFunc func(content string)

// Document holds the current serialized document blob.
type Document struct {
	b       Broadcaster
	onApply ApplyFunc
	log     *slog.Logger

	mu       sync.Mutex
	content  string
	applying bool
}

// Option configures a Document.
type Option func(*Document)

// WithApplyFunc registers the remote-apply notification.
func WithApplyFunc(fn ApplyFunc) Option {
	return func(d *Document) { d.onApply = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) { d.log = logger }
}

// New creates a document bound to a broadcaster.
func New(b Broadcaster, opts ...Option) *Document {
	d := &Document{
		b:   b,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendUpdate stores content as the latest document and broadcasts it.
// While a remote snapshot is being applied the send is suppressed:
// applying a remote update fires the caller's change handling, and
// re-broadcasting from there would start an echo loop.
func (d *Document) SendUpdate(content string) error {
	d.mu.Lock()
	if d.applying {
		d.mu.Unlock()
		return nil
	}
	d.content = content
	d.mu.Unlock()

	return d.b.SendDocumentUpdate(content)
}

// HandleRemote applies a remote snapshot and reports whether it was
// applied. A snapshot originating from this session's own connection id
// (or, when no connection id is known, its own user id) is ignored.
// Applied snapshots replace the content wholesale, in arrival order;
// the timestamp on the wire is informational and never reorders
// application.
func (d *Document) HandleRemote(update wire.DocumentUpdate) bool {
	sess := d.b.Session()
	if sess.IsOwn(update.ConnectionID, update.UserID) {
		return false
	}

	d.mu.Lock()
	d.applying = true
	d.content = update.Update.Content
	cb := d.onApply
	content := d.content
	d.mu.Unlock()

	if cb != nil {
		cb(content)
	}

	d.mu.Lock()
	d.applying = false
	d.mu.Unlock()
	return true
}

// Content returns the most recently applied snapshot, remote or local.
func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}
