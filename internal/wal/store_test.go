package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func appendN(t *testing.T, store *Store, sessionID string, revision int64, kind string, n int) []Event {
	t.Helper()
	ctx := context.Background()

	var events []Event
	for i := 1; i <= n; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"sessionUpdate":%q,"content":{"type":"text","text":"part%d "}}`, kind, i))
		ev, err := store.AppendEvent(ctx, AppendEventParams{
			SessionID: sessionID,
			Revision:  revision,
			Seq:       int64(i),
			Kind:      kind,
			Payload:   payload,
		})
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestStore_EnsureSessionIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1", MachineID: "m1", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Fresh)
	require.Equal(t, int64(1), res.Revision)
	require.Equal(t, int64(0), res.LastSeq)

	appendN(t, store, "s1", 1, "agent_message_chunk", 5)

	// Second ensure loads the existing row with its high-water mark.
	res, err = store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)
	require.False(t, res.Fresh)
	require.Equal(t, int64(1), res.Revision)
	require.Equal(t, int64(5), res.LastSeq)
}

func TestStore_AppendEventEnforcesUniqueSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)

	appendN(t, store, "s1", 1, "agent_message_chunk", 1)

	_, err = store.AppendEvent(ctx, AppendEventParams{
		SessionID: "s1",
		Revision:  1,
		Seq:       1,
		Kind:      "agent_message_chunk",
		Payload:   json.RawMessage(`{}`),
	})
	require.Error(t, err)
}

func TestStore_QueryEventsRange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)
	appendN(t, store, "s1", 1, "agent_message_chunk", 10)

	events, err := store.QueryEvents(ctx, QueryEventsParams{SessionID: "s1", Revision: 1, FromSeq: 3, ToSeq: 7})
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, int64(3), events[0].Seq)
	require.Equal(t, int64(7), events[4].Seq)

	// Limit applies after the range filter.
	events, err = store.QueryEvents(ctx, QueryEventsParams{SessionID: "s1", Revision: 1, FromSeq: 1, Limit: 4})
	require.NoError(t, err)
	require.Len(t, events, 4)
}

func TestStore_StubEventPayloadsKeepsSeqSlot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)
	events := appendN(t, store, "s1", 1, "agent_message_chunk", 3)

	require.NoError(t, store.StubEventPayloads(ctx, []int64{events[1].ID}))

	got, err := store.QueryEvents(ctx, QueryEventsParams{SessionID: "s1", Revision: 1, FromSeq: 1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.False(t, got[0].Stubbed())
	require.True(t, got[1].Stubbed())
	require.Equal(t, int64(2), got[1].Seq)
	require.False(t, got[2].Stubbed())
}

func TestStore_AckEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)
	appendN(t, store, "s1", 1, "agent_message_chunk", 4)

	require.NoError(t, store.AckEvents(ctx, "s1", 1, 2))

	events, err := store.QueryEvents(ctx, QueryEventsParams{SessionID: "s1", Revision: 1, FromSeq: 1})
	require.NoError(t, err)
	require.NotNil(t, events[0].AckedAt)
	require.NotNil(t, events[1].AckedAt)
	require.Nil(t, events[2].AckedAt)
	require.Nil(t, events[3].AckedAt)
}

func TestStore_BumpRevisionResetsLastSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)
	appendN(t, store, "s1", 1, "agent_message_chunk", 3)

	revision, err := store.BumpRevision(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(2), revision)

	res, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Revision)
	require.Equal(t, int64(0), res.LastSeq)
}

func TestStore_ListSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := store.EnsureSession(ctx, EnsureSessionParams{SessionID: id, UserID: "u1"})
		require.NoError(t, err)
	}

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	require.Equal(t, "s1", sessions[0].SessionID)
}
