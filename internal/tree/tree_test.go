package tree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore returns a Store with a millisecond clock that advances by one
// on every read and sequential ids m1, m2, ...
func testStore(t *testing.T) *Store {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "tree.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var clock int64 = 1_000
	n := 0

	return New(st, discardLogger(),
		WithClock(func() time.Time {
			clock++
			return time.UnixMilli(clock)
		}),
		WithIDs(func() string {
			n++
			return fmt.Sprintf("m%d", n)
		}),
	)
}

func newConv(t *testing.T, s *Store) string {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), "test")
	require.NoError(t, err)
	return c.ID
}

func add(t *testing.T, s *Store, conv string, parent *string, role models.Role, content string) models.Message {
	t.Helper()
	m, err := s.AddMessage(context.Background(), conv, parent, NewMessage{Role: role, Content: content})
	require.NoError(t, err)
	return m
}

func pathIDs(t *testing.T, s *Store, conv string) []string {
	t.Helper()
	path, err := s.ActivePath(context.Background(), conv)
	require.NoError(t, err)
	return ids(path)
}

// --- AddMessage ---

func TestAddMessage_AppendsToActiveLeaf(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)

	a := add(t, s, conv, nil, models.RoleUser, "hi")
	b := add(t, s, conv, nil, models.RoleAssistant, "hello")
	c := add(t, s, conv, nil, models.RoleUser, "how are you")

	assert.Nil(t, a.ParentID)
	assert.Equal(t, a.ID, b.Parent())
	assert.Equal(t, b.ID, c.Parent())
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, pathIDs(t, s, conv))
	assert.Equal(t, models.StatusCompleted, c.Status)
}

func TestAddMessage_ExplicitParentBecomesSelected(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)

	q := add(t, s, conv, nil, models.RoleUser, "q")
	r1 := add(t, s, conv, nil, models.RoleAssistant, "r1")
	r2 := add(t, s, conv, ptr(q.ID), models.RoleAssistant, "r2")

	assert.Equal(t, []string{q.ID, r2.ID}, pathIDs(t, s, conv))

	parent, err := s.Message(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, parent.SelectedChild())
	assert.NotEqual(t, r1.ID, parent.SelectedChild())
}

func TestAddMessage_TimestampsStrictlyIncrease(t *testing.T) {
	s := testStore(t)
	s.now = func() time.Time { return time.UnixMilli(5_000) }
	conv := newConv(t, s)

	a := add(t, s, conv, nil, models.RoleUser, "a")
	b := add(t, s, conv, nil, models.RoleAssistant, "b")
	assert.Greater(t, b.Timestamp, a.Timestamp)
}

func TestAddMessage_UnknownConversation(t *testing.T) {
	s := testStore(t)
	_, err := s.AddMessage(context.Background(), "missing", nil, NewMessage{Role: models.RoleUser})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAddMessage_UnknownParent(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	_, err := s.AddMessage(context.Background(), conv, ptr("ghost"), NewMessage{Role: models.RoleUser})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAddMessage_BumpsConversation(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	before, err := s.Conversation(context.Background(), conv)
	require.NoError(t, err)

	add(t, s, conv, nil, models.RoleUser, "x")

	after, err := s.Conversation(context.Background(), conv)
	require.NoError(t, err)
	assert.Greater(t, after.LastUpdatedAt, before.LastUpdatedAt)
}

// --- SwitchBranch ---

func TestSwitchBranch(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	q := add(t, s, conv, nil, models.RoleUser, "q")
	r1 := add(t, s, conv, nil, models.RoleAssistant, "r1")
	r2 := add(t, s, conv, ptr(q.ID), models.RoleAssistant, "r2")

	require.NoError(t, s.SwitchBranch(ctx, r2.ID, r1.ID))
	assert.Equal(t, []string{q.ID, r1.ID}, pathIDs(t, s, conv))

	path, err := s.ActivePath(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 1, path[1].SiblingIndex)
	assert.Equal(t, 2, path[1].SiblingCount)
}

func TestSwitchBranch_IdempotentWithoutChange(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	q := add(t, s, conv, nil, models.RoleUser, "q")
	r := add(t, s, conv, nil, models.RoleAssistant, "r")

	before, err := s.Message(ctx, q.ID)
	require.NoError(t, err)

	calls := 0
	s.Observe(func(Change) { calls++ })

	require.NoError(t, s.SwitchBranch(ctx, r.ID, r.ID))
	require.NoError(t, s.SwitchBranch(ctx, r.ID, r.ID))

	after, err := s.Message(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Zero(t, calls)
}

func TestSwitchBranch_RootIsNoop(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	a := add(t, s, conv, nil, models.RoleUser, "a")

	assert.NoError(t, s.SwitchBranch(context.Background(), a.ID, "anything"))
}

func TestSwitchBranch_RejectsNonSibling(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	a := add(t, s, conv, nil, models.RoleUser, "a")
	b := add(t, s, conv, nil, models.RoleAssistant, "b")
	c := add(t, s, conv, nil, models.RoleUser, "c")
	_ = a

	err := s.SwitchBranch(context.Background(), b.ID, c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// --- EditMessage ---

func TestEditMessage_InPlace(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "typo")
	require.NoError(t, s.EditMessage(ctx, a.ID, "fixed"))

	got, err := s.Message(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Content)
	assert.Equal(t, a.Timestamp, got.Timestamp, "ordering key is unchanged")
	assert.Greater(t, got.UpdatedAt, a.UpdatedAt)
	assert.Equal(t, []string{a.ID}, pathIDs(t, s, conv))
}

func TestEditMessage_RejectsSummary(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "a")
	sum, err := s.ApplyCompression(ctx, conv, "S", []string{a.ID})
	require.NoError(t, err)

	assert.ErrorIs(t, s.EditMessage(ctx, sum, "x"), apperr.ErrSummaryImmutable)
}

func TestEditMessage_Missing(t *testing.T) {
	s := testStore(t)
	assert.ErrorIs(t, s.EditMessage(context.Background(), "ghost", "x"), apperr.ErrNotFound)
}

// --- Streaming ---

func TestAppendContentAndFinish(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	m, err := s.AddMessage(ctx, conv, nil, NewMessage{Role: models.RoleAssistant, Status: models.StatusGenerating})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGenerating, m.Status)

	require.NoError(t, s.AppendContent(ctx, m.ID, "Hel", "think"))
	require.NoError(t, s.AppendContent(ctx, m.ID, "lo", ""))
	require.NoError(t, s.FinishMessage(ctx, m.ID, models.StatusCompleted))

	got, err := s.Message(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, "think", got.Reasoning)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestFinishMessage_RejectsNonTerminal(t *testing.T) {
	s := testStore(t)
	assert.Error(t, s.FinishMessage(context.Background(), "x", models.StatusGenerating))
}

// --- DeleteMessage ---

func TestDeleteMessage_ReparentsChildren(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "a")
	b := add(t, s, conv, nil, models.RoleAssistant, "b")
	c := add(t, s, conv, nil, models.RoleUser, "c")

	require.NoError(t, s.DeleteMessage(ctx, b.ID))

	got, err := s.Message(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.Parent())

	parent, err := s.Message(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, parent.SelectedChildID, "selection pointing at the deleted node is cleared")

	assert.Equal(t, []string{a.ID, c.ID}, pathIDs(t, s, conv))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Tombstones, 1)
	assert.Equal(t, models.TableMessages, snap.Tombstones[0].Table)
	assert.Equal(t, b.ID, snap.Tombstones[0].RecordID)
}

func TestDeleteMessage_RootChildrenBecomeRoots(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "a")
	b := add(t, s, conv, nil, models.RoleAssistant, "b")

	require.NoError(t, s.DeleteMessage(ctx, a.ID))

	got, err := s.Message(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
	assert.Equal(t, []string{b.ID}, pathIDs(t, s, conv))
}

func TestDeleteMessage_Missing(t *testing.T) {
	s := testStore(t)
	assert.ErrorIs(t, s.DeleteMessage(context.Background(), "ghost"), apperr.ErrNotFound)
}

// --- DeleteConversation ---

func TestDeleteConversation_TombstonesEverything(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	add(t, s, conv, nil, models.RoleUser, "a")
	add(t, s, conv, nil, models.RoleAssistant, "b")

	require.NoError(t, s.DeleteConversation(ctx, conv))

	_, err := s.Conversation(ctx, conv)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
	assert.Len(t, snap.Tombstones, 3)
}

// --- Observers ---

func TestObserve_CalledAfterCommit(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)

	var got []Change
	s.Observe(func(c Change) { got = append(got, c) })

	add(t, s, conv, nil, models.RoleUser, "a")

	_, err := s.AddMessage(context.Background(), "missing", nil, NewMessage{Role: models.RoleUser})
	require.Error(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, conv, got[0].ConversationID)
	assert.Equal(t, "add_message", got[0].Op)
	assert.Equal(t, OriginLocal, got[0].Origin)
}

// --- Upsert ---

func TestUpsert_SkipsTombstonedRecords(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "a")
	require.NoError(t, s.DeleteMessage(ctx, a.ID))

	var origins []Origin
	s.Observe(func(c Change) { origins = append(origins, c.Origin) })

	n, err := s.Upsert(ctx, nil, []models.Message{
		a,
		node("fresh", nil, 9_999),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Message(ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "tombstoned id is not resurrected")

	_, err = s.Message(ctx, "fresh")
	assert.NoError(t, err)
	assert.Equal(t, []Origin{OriginSync}, origins)
}

func TestUpsert_SkipsMessagesOfTombstonedConversation(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "a")
	require.NoError(t, s.DeleteConversation(ctx, conv))

	late := models.Message{
		ID:             "late",
		ConversationID: conv,
		Role:           models.RoleUser,
		Content:        "written offline",
		Timestamp:      9_999,
		ParentID:       &a.ID,
		Status:         models.StatusCompleted,
	}

	n, err := s.Upsert(ctx, nil, []models.Message{late})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Message(ctx, late.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	msgs, err := s.Messages(ctx, conv)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	b, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, b.Messages)
}

func TestContextCanceled(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CreateConversation(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

// --- ApplyTombstones ---

func TestApplyTombstones_RemovesAndRecords(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	a := add(t, s, conv, nil, models.RoleUser, "a")
	b := add(t, s, conv, nil, models.RoleAssistant, "b")
	c := add(t, s, conv, nil, models.RoleUser, "c")

	var origins []Origin
	s.Observe(func(ch Change) { origins = append(origins, ch.Origin) })

	n, err := s.ApplyTombstones(ctx, []models.Tombstone{
		{Table: models.TableMessages, RecordID: b.ID, DeletedAt: 5},
		{Table: models.TableMessages, RecordID: "never-seen", DeletedAt: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{a.ID, c.ID}, pathIDs(t, s, conv), "child of the removed node is reparented")
	assert.Equal(t, []Origin{OriginSync}, origins)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Tombstones, 2, "unknown ids are still recorded")

	_, err = s.Upsert(ctx, nil, []models.Message{b})
	require.NoError(t, err)

	_, err = s.Message(ctx, b.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApplyTombstones_Conversation(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()

	add(t, s, conv, nil, models.RoleUser, "a")
	add(t, s, conv, nil, models.RoleAssistant, "b")

	n, err := s.ApplyTombstones(ctx, []models.Tombstone{{Table: models.TableConversations, RecordID: conv, DeletedAt: 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.Conversation(ctx, conv)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	msgs, err := s.Messages(ctx, conv)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// --- Restore and ClearAll ---

func TestRestore_ReplacesEverything(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()
	add(t, s, conv, nil, models.RoleUser, "old")

	b := models.Bundle{
		Settings:      map[string]any{"theme": "dark"},
		Conversations: []models.Conversation{{ID: "c9", Title: "restored", LastUpdatedAt: 50}},
		Messages:      []models.Message{{ID: "r1", ConversationID: "c9", Role: models.RoleUser, Content: "hi", Timestamp: 10, Status: models.StatusCompleted}},
		Tombstones:    []models.Tombstone{{Table: models.TableMessages, RecordID: "gone", DeletedAt: 3}},
	}
	require.NoError(t, s.Restore(ctx, b))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", snap.Settings["theme"])
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "c9", snap.Conversations[0].ID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "r1", snap.Messages[0].ID)
	assert.Len(t, snap.Tombstones, 1)
}

func TestRestore_AtomicOnError(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()
	add(t, s, conv, nil, models.RoleUser, "keep")

	err := s.Restore(ctx, models.Bundle{
		Messages: []models.Message{{ID: "bad"}},
	})
	require.Error(t, err)

	msgs, err := s.Messages(ctx, conv)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "failed restore leaves the old data in place")
}

func TestClearAll_PrunesTombstones(t *testing.T) {
	s := testStore(t)
	conv := newConv(t, s)
	ctx := context.Background()
	require.NoError(t, s.DeleteConversation(ctx, conv))

	require.NoError(t, s.ClearAll(ctx))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Conversations)
	assert.Empty(t, snap.Tombstones)
}
