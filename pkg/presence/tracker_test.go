package presence

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLookup resolves from a fixed membership table.
type mockLookup struct {
	members map[string]Entry
}

func (m *mockLookup) Member(_ context.Context, _ string, userID string) (Entry, error) {
	entry, ok := m.members[userID]
	if !ok {
		return Entry{}, fmt.Errorf("no member %s", userID)
	}
	return entry, nil
}

func TestHandleRosterDeduplicates(t *testing.T) {
	tr := New("ws-1", nil)

	tr.HandleRoster(context.Background(), []string{"u1", "u1", "u2"})

	entries := tr.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "u2", entries[1].UserID)
}

func TestHandleRosterResolvesIdentity(t *testing.T) {
	lookup := &mockLookup{members: map[string]Entry{
		"u1": {UserID: "u1", DisplayName: "Ada", AvatarRef: "a.png"},
	}}
	tr := New("ws-1", lookup)

	tr.HandleRoster(context.Background(), []string{"u1", "u2"})

	entries := tr.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "Ada", entries[0].DisplayName)
	// No membership match still yields an entry with the fallback
	// identity, never a dropped user.
	assert.Equal(t, "u2", entries[1].DisplayName)
}

func TestHandleJoinIdempotent(t *testing.T) {
	tr := New("ws-1", nil)
	ctx := context.Background()

	tr.HandleJoin(ctx, "u1", "Ada", "")
	tr.HandleJoin(ctx, "u1", "Someone Else", "")

	entries := tr.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada", entries[0].DisplayName)
}

func TestHandleLeaveRemovesCursorState(t *testing.T) {
	var removed []string
	tr := New("ws-1", nil, WithLeaveFunc(func(userID string) {
		removed = append(removed, userID)
	}))
	ctx := context.Background()

	tr.HandleJoin(ctx, "u1", "Ada", "")
	tr.HandleLeave("u1")

	assert.Zero(t, tr.Count())
	assert.Equal(t, []string{"u1"}, removed)

	// Leaving a user who is not present fires nothing.
	tr.HandleLeave("u1")
	assert.Len(t, removed, 1)
}

func TestReset(t *testing.T) {
	tr := New("ws-1", nil)
	tr.HandleJoin(context.Background(), "u1", "Ada", "")

	tr.Reset()
	assert.Zero(t, tr.Count())
}
