// Package chat runs conversation turns against an AI collaborator: it
// appends the user's message, streams the assistant reply into the tree
// store and records the terminal status.
package chat

//go:generate mockgen -source=chat.go -destination=mock_chat_test.go -package=chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/tree"
)

// titleRunes caps the title derived from a conversation's first message.
const titleRunes = 60

// Delta is one increment of a streamed reply.
type Delta struct {
	Content   string
	Reasoning string
}

// Completer produces an assistant reply for history, calling emit for
// each streamed increment. Returning ends the reply. Implementations
// must return promptly once ctx is done.
type Completer interface {
	Complete(ctx context.Context, history []models.Message, emit func(Delta) error) error
}

// Turn is the outcome of one exchange.
type Turn struct {
	ConversationID string
	User           models.Message
	Reply          models.Message
}

// Chat orchestrates turns for one tree store.
type Chat struct {
	store  *tree.Store
	ai     Completer
	logger *slog.Logger
}

// New creates a Chat.
func New(store *tree.Store, ai Completer, logger *slog.Logger) *Chat {
	return &Chat{store: store, ai: ai, logger: logger}
}

// Send appends a user message below the active leaf and streams the
// reply. An empty conversationID starts a new conversation titled from
// the message.
func (c *Chat) Send(ctx context.Context, conversationID, content string) (Turn, error) {
	if strings.TrimSpace(content) == "" {
		return Turn{}, apperr.ErrEmptyMessage
	}

	if conversationID == "" {
		conv, err := c.store.CreateConversation(ctx, Title(content))
		if err != nil {
			return Turn{}, fmt.Errorf("creating conversation: %w", err)
		}

		conversationID = conv.ID
	}

	user, err := c.store.AddMessage(ctx, conversationID, nil, tree.NewMessage{
		Role:    models.RoleUser,
		Content: content,
	})
	if err != nil {
		return Turn{}, fmt.Errorf("adding user message: %w", err)
	}

	reply, err := c.reply(ctx, conversationID, user.ID)

	return Turn{ConversationID: conversationID, User: user, Reply: reply}, err
}

// Regenerate streams a new reply as a sibling of the assistant message
// id, which leaves the old reply reachable through branch switching.
func (c *Chat) Regenerate(ctx context.Context, id string) (Turn, error) {
	old, err := c.store.Message(ctx, id)
	if err != nil {
		return Turn{}, err
	}

	if old.IsCompressionSummary {
		return Turn{}, apperr.ErrSummaryImmutable
	}

	if old.Role != models.RoleAssistant || old.ParentID == nil {
		return Turn{}, fmt.Errorf("regenerating %s: %w", id, apperr.ErrWrongRole)
	}

	user, err := c.store.Message(ctx, *old.ParentID)
	if err != nil {
		return Turn{}, err
	}

	reply, err := c.reply(ctx, old.ConversationID, user.ID)

	return Turn{ConversationID: old.ConversationID, User: user, Reply: reply}, err
}

// EditAndResend creates an edited copy of the user message id as its
// sibling and streams a reply below it. A root message has no parent to
// branch from, so it is edited in place and the reply becomes a new
// child.
func (c *Chat) EditAndResend(ctx context.Context, id, content string) (Turn, error) {
	if strings.TrimSpace(content) == "" {
		return Turn{}, apperr.ErrEmptyMessage
	}

	orig, err := c.store.Message(ctx, id)
	if err != nil {
		return Turn{}, err
	}

	if orig.IsCompressionSummary {
		return Turn{}, apperr.ErrSummaryImmutable
	}

	if orig.Role != models.RoleUser {
		return Turn{}, fmt.Errorf("editing %s: %w", id, apperr.ErrWrongRole)
	}

	var user models.Message

	if orig.ParentID == nil {
		if err := c.store.EditMessage(ctx, id, content); err != nil {
			return Turn{}, err
		}

		if user, err = c.store.Message(ctx, id); err != nil {
			return Turn{}, err
		}
	} else {
		user, err = c.store.AddMessage(ctx, orig.ConversationID, orig.ParentID, tree.NewMessage{
			Role:    models.RoleUser,
			Content: content,
		})
		if err != nil {
			return Turn{}, fmt.Errorf("adding edited message: %w", err)
		}
	}

	reply, err := c.reply(ctx, orig.ConversationID, user.ID)

	return Turn{ConversationID: orig.ConversationID, User: user, Reply: reply}, err
}

// reply creates a generating assistant message below parentID and fills
// it from the completer. Cancellation keeps whatever arrived: the reply
// is completed when it has content and failed otherwise.
func (c *Chat) reply(ctx context.Context, conversationID, parentID string) (models.Message, error) {
	history, err := c.store.MessagesForAI(ctx, conversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("loading history: %w", err)
	}

	// History ends at the message being answered; a regenerated reply
	// and anything after it are left out.
	if i := slices.IndexFunc(history, func(m models.Message) bool { return m.ID == parentID }); i >= 0 {
		history = history[:i+1]
	}

	msg, err := c.store.AddMessage(ctx, conversationID, &parentID, tree.NewMessage{
		Role:   models.RoleAssistant,
		Status: models.StatusGenerating,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("adding reply: %w", err)
	}

	if err := c.setGenerating(ctx, conversationID, true); err != nil {
		return msg, err
	}

	got := false
	genErr := c.ai.Complete(ctx, history, func(d Delta) error {
		if d.Content == "" && d.Reasoning == "" {
			return nil
		}

		if err := c.store.AppendContent(ctx, msg.ID, d.Content, d.Reasoning); err != nil {
			return err
		}

		got = got || d.Content != ""

		return nil
	})

	// The turn's own context may be cancelled; the bookkeeping below must
	// still land.
	done := context.WithoutCancel(ctx)

	status := models.StatusCompleted
	switch {
	case genErr == nil:
	case errors.Is(genErr, context.Canceled) || errors.Is(genErr, context.DeadlineExceeded):
		if !got {
			status = models.StatusFailed
		}

		c.logger.Info("reply cancelled",
			slog.String("message_id", msg.ID),
			slog.String("status", string(status)),
		)
	default:
		status = models.StatusFailed

		c.logger.Warn("reply failed",
			slog.String("message_id", msg.ID),
			slog.String("error", genErr.Error()),
		)
	}

	if err := c.store.FinishMessage(done, msg.ID, status); err != nil {
		return msg, errors.Join(genErr, err)
	}

	if err := c.setGenerating(done, conversationID, false); err != nil {
		return msg, errors.Join(genErr, err)
	}

	final, err := c.store.Message(done, msg.ID)
	if err != nil {
		return msg, errors.Join(genErr, err)
	}

	return final, genErr
}

func (c *Chat) setGenerating(ctx context.Context, conversationID string, on bool) error {
	return c.store.UpdateConversation(ctx, conversationID, func(conv *models.Conversation) {
		conv.IsGenerating = on
		if !on {
			conv.HasUnread = true
		}
	})
}

// Title derives a conversation title from its first message: the first
// line, trimmed and capped at a fixed number of runes.
func Title(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)

	if utf8.RuneCountInString(line) <= titleRunes {
		return line
	}

	r := []rune(line)

	return strings.TrimSpace(string(r[:titleRunes])) + "…"
}
