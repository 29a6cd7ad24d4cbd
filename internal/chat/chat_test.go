package chat

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/state"
	"github.com/alexjbarnes/threadsync/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var quietLogger = slog.New(slog.DiscardHandler)

func setup(t *testing.T) (*Chat, *tree.Store, *MockCompleter) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store := tree.New(st, quietLogger)
	ai := NewMockCompleter(gomock.NewController(t))

	return New(store, ai, quietLogger), store, ai
}

// stream returns a Complete implementation that emits each chunk.
func stream(chunks ...string) func(context.Context, []models.Message, func(Delta) error) error {
	return func(_ context.Context, _ []models.Message, emit func(Delta) error) error {
		for _, c := range chunks {
			if err := emit(Delta{Content: c}); err != nil {
				return err
			}
		}

		return nil
	}
}

func pathContents(t *testing.T, store *tree.Store, convID string) []string {
	t.Helper()

	path, err := store.ActivePath(context.Background(), convID)
	require.NoError(t, err)

	out := make([]string, len(path))
	for i, n := range path {
		out[i] = n.Content
	}

	return out
}

func TestSend_CreatesConversationAndStreamsReply(t *testing.T) {
	c, store, ai := setup(t)
	ctx := context.Background()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, history []models.Message, emit func(Delta) error) error {
			require.Len(t, history, 1)
			assert.Equal(t, "plan a trip\nto lisbon", history[0].Content)

			require.NoError(t, emit(Delta{Reasoning: "thinking"}))

			return stream("sure", ", here")(ctx, history, emit)
		})

	turn, err := c.Send(ctx, "", "plan a trip\nto lisbon")
	require.NoError(t, err)

	assert.Equal(t, "sure, here", turn.Reply.Content)
	assert.Equal(t, "thinking", turn.Reply.Reasoning)
	assert.Equal(t, models.StatusCompleted, turn.Reply.Status)
	assert.Equal(t, turn.User.ID, turn.Reply.Parent())

	conv, err := store.Conversation(ctx, turn.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "plan a trip", conv.Title)
	assert.False(t, conv.IsGenerating)
	assert.True(t, conv.HasUnread)
}

func TestSend_AppendsToActiveLeaf(t *testing.T) {
	c, store, ai := setup(t)
	ctx := context.Background()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("one")).Times(1)
	first, err := c.Send(ctx, "", "hi")
	require.NoError(t, err)

	ai.EXPECT().Complete(gomock.Any(), gomock.Len(3), gomock.Any()).DoAndReturn(stream("two"))
	second, err := c.Send(ctx, first.ConversationID, "again")
	require.NoError(t, err)

	assert.Equal(t, first.Reply.ID, second.User.Parent())
	assert.Equal(t, []string{"hi", "one", "again", "two"}, pathContents(t, store, first.ConversationID))
}

func TestSend_RejectsEmpty(t *testing.T) {
	c, _, _ := setup(t)

	_, err := c.Send(context.Background(), "", "   ")
	assert.ErrorIs(t, err, apperr.ErrEmptyMessage)
}

func TestSend_CancelKeepsPartialContent(t *testing.T) {
	c, _, ai := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []models.Message, emit func(Delta) error) error {
			require.NoError(t, emit(Delta{Content: "partial"}))
			cancel()

			if err := emit(Delta{Content: " never stored"}); err != nil {
				return err
			}

			return ctx.Err()
		})

	turn, err := c.Send(ctx, "", "long question")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "partial", turn.Reply.Content)
	assert.Equal(t, models.StatusCompleted, turn.Reply.Status)
}

func TestSend_CancelBeforeContentFails(t *testing.T) {
	c, store, ai := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []models.Message, _ func(Delta) error) error {
			cancel()
			return ctx.Err()
		})

	turn, err := c.Send(ctx, "", "question")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, turn.Reply.Status)

	conv, err := store.Conversation(context.Background(), turn.ConversationID)
	require.NoError(t, err)
	assert.False(t, conv.IsGenerating)
}

func TestSend_ProviderErrorFails(t *testing.T) {
	c, _, ai := setup(t)
	boom := errors.New("provider down")

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, h []models.Message, emit func(Delta) error) error {
			_ = stream("half")(ctx, h, emit)
			return boom
		})

	turn, err := c.Send(context.Background(), "", "question")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "half", turn.Reply.Content)
	assert.Equal(t, models.StatusFailed, turn.Reply.Status)
}

func TestRegenerate_AddsSibling(t *testing.T) {
	c, store, ai := setup(t)
	ctx := context.Background()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("first answer"))
	turn, err := c.Send(ctx, "", "question")
	require.NoError(t, err)

	ai.EXPECT().Complete(gomock.Any(), gomock.Len(1), gomock.Any()).DoAndReturn(stream("second answer"))
	again, err := c.Regenerate(ctx, turn.Reply.ID)
	require.NoError(t, err)

	assert.Equal(t, turn.User.ID, again.Reply.Parent())

	path, err := store.ActivePath(ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "second answer", path[1].Content)
	assert.Equal(t, 2, path[1].SiblingCount)
	assert.Equal(t, 2, path[1].SiblingIndex)

	require.NoError(t, store.SwitchBranch(ctx, again.Reply.ID, turn.Reply.ID))
	assert.Equal(t, []string{"question", "first answer"}, pathContents(t, store, turn.ConversationID))
}

func TestRegenerate_RejectsUserMessage(t *testing.T) {
	c, _, ai := setup(t)

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("a"))
	turn, err := c.Send(context.Background(), "", "question")
	require.NoError(t, err)

	_, err = c.Regenerate(context.Background(), turn.User.ID)
	assert.ErrorIs(t, err, apperr.ErrWrongRole)
}

func TestRegenerate_RejectsSummary(t *testing.T) {
	c, store, ai := setup(t)
	ctx := context.Background()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("a"))
	turn, err := c.Send(ctx, "", "question")
	require.NoError(t, err)

	summaryID, err := store.ApplyCompression(ctx, turn.ConversationID, "summary", []string{turn.User.ID, turn.Reply.ID})
	require.NoError(t, err)

	_, err = c.Regenerate(ctx, summaryID)
	assert.ErrorIs(t, err, apperr.ErrSummaryImmutable)
}

func TestEditAndResend_BranchesFromParent(t *testing.T) {
	c, store, ai := setup(t)
	ctx := context.Background()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("one")).Times(2)
	first, err := c.Send(ctx, "", "hi")
	require.NoError(t, err)
	second, err := c.Send(ctx, first.ConversationID, "what is go")
	require.NoError(t, err)

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("a language"))
	edited, err := c.EditAndResend(ctx, second.User.ID, "what is golang")
	require.NoError(t, err)

	assert.NotEqual(t, second.User.ID, edited.User.ID)
	assert.Equal(t, second.User.Parent(), edited.User.Parent())
	assert.Equal(t, []string{"hi", "one", "what is golang", "a language"}, pathContents(t, store, first.ConversationID))

	orig, err := store.Message(ctx, second.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "what is go", orig.Content, "original kept on its branch")
}

func TestEditAndResend_RootEditsInPlace(t *testing.T) {
	c, store, ai := setup(t)
	ctx := context.Background()

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("one"))
	first, err := c.Send(ctx, "", "hi")
	require.NoError(t, err)

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("two"))
	edited, err := c.EditAndResend(ctx, first.User.ID, "hello")
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, edited.User.ID)
	assert.Equal(t, []string{"hello", "two"}, pathContents(t, store, first.ConversationID))

	path, err := store.ActivePath(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, path[1].SiblingCount)
}

func TestEditAndResend_RejectsAssistant(t *testing.T) {
	c, _, ai := setup(t)

	ai.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stream("one"))
	turn, err := c.Send(context.Background(), "", "hi")
	require.NoError(t, err)

	_, err = c.EditAndResend(context.Background(), turn.Reply.ID, "x")
	assert.ErrorIs(t, err, apperr.ErrWrongRole)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "short", Title("  short  "))
	assert.Equal(t, "first line", Title("first line\nsecond"))

	long := strings.Repeat("é", titleRunes+10)
	got := Title(long)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, titleRunes+1, len([]rune(got)))
}
