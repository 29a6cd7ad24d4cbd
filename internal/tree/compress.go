package tree

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/state"
)

// ApplyCompression folds messageIDs into summaryText in one transaction:
// the messages are marked compressed, a summary child is inserted (or
// updated) below the last of them and selected, and the ids are merged
// into the conversation's compression record. Ids that are missing,
// belong to another conversation or are summaries themselves are ignored.
// It returns the summary message id.
func (s *Store) ApplyCompression(ctx context.Context, conversationID, summaryText string, messageIDs []string) (string, error) {
	var summaryID string

	err := s.update(ctx, conversationID, "apply_compression", func(tx *state.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return err
		}

		if conv == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, apperr.ErrNotFound)
		}

		now := s.nowMillis()

		var (
			folded []models.Message
			ids    []string
		)

		for _, id := range messageIDs {
			m, err := tx.Message(id)
			if err != nil {
				return err
			}

			if m == nil || m.ConversationID != conversationID || m.IsCompressionSummary {
				s.logger.Debug("skipping message in compression",
					slog.String("conversation_id", conversationID),
					slog.String("message_id", id),
				)

				continue
			}

			if slices.Contains(ids, id) {
				continue
			}

			if !m.IsCompressed {
				m.IsCompressed = true
				m.UpdatedAt = now

				if err := tx.PutMessage(*m); err != nil {
					return err
				}
			}

			folded = append(folded, *m)
			ids = append(ids, id)
		}

		if len(folded) == 0 {
			return apperr.ErrEmptyCompression
		}

		state.SortByTimestamp(folded)
		last := folded[len(folded)-1]

		summary, err := existingSummary(tx, last.ID)
		if err != nil {
			return err
		}

		if summary == nil {
			pid := last.ID
			summary = &models.Message{
				ID:                   s.newID(),
				ConversationID:       conversationID,
				Role:                 models.RoleAssistant,
				Timestamp:            last.Timestamp + 1,
				ParentID:             &pid,
				IsCompressionSummary: true,
				Status:               models.StatusCompleted,
			}
		}

		summary.Content = summaryText
		summary.UpdatedAt = now

		if err := tx.PutMessage(*summary); err != nil {
			return err
		}

		summaryID = summary.ID

		// Re-read: the last message may have been rewritten above.
		lastMsg, err := tx.Message(last.ID)
		if err != nil {
			return err
		}

		if lastMsg.SelectedChild() != summaryID {
			lastMsg.SelectedChildID = &summaryID
			lastMsg.UpdatedAt = now

			if err := tx.PutMessage(*lastMsg); err != nil {
				return err
			}
		}

		merged := slices.Clone(conv.Compression.CompressedMessageIDs)
		for _, id := range ids {
			if !slices.Contains(merged, id) {
				merged = append(merged, id)
			}
		}

		conv.Compression = models.Folded(summaryID, merged, summaryText, now)
		conv.LastUpdatedAt = max(conv.LastUpdatedAt, now)

		return tx.PutConversation(*conv)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("conversation compressed",
		slog.String("conversation_id", conversationID),
		slog.String("summary_id", summaryID),
		slog.Int("requested", len(messageIDs)),
	)

	return summaryID, nil
}

func existingSummary(tx *state.Tx, parentID string) (*models.Message, error) {
	kids, err := tx.Children(parentID)
	if err != nil {
		return nil, err
	}

	for i := range kids {
		if kids[i].IsCompressionSummary {
			return &kids[i], nil
		}
	}

	return nil, nil
}

// MessagesForAI returns the history sent to the AI collaborator. It is
// the flat, timestamp-ordered list of the conversation's messages, not
// the active path. Without compression every message that is neither
// compressed nor a summary is returned. With compression a synthetic
// assistant message carrying the folded summary comes first, stamped with
// the timestamp of the first folded message, followed by every message
// outside the folded set that is not a summary.
func (s *Store) MessagesForAI(ctx context.Context, conversationID string) ([]models.Message, error) {
	var (
		conv *models.Conversation
		msgs []models.Message
	)

	err := s.view(ctx, func(tx *state.Tx) error {
		var err error

		if conv, err = tx.Conversation(conversationID); err != nil {
			return err
		}

		msgs, err = tx.MessagesByConversation(conversationID)

		return err
	})
	if err != nil {
		return nil, err
	}

	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, apperr.ErrNotFound)
	}

	comp := conv.Compression
	if !comp.Folded() {
		out := make([]models.Message, 0, len(msgs))

		for _, m := range msgs {
			if !m.IsCompressed && !m.IsCompressionSummary {
				out = append(out, m)
			}
		}

		return out, nil
	}

	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, models.Message{
		ID:                   comp.SummaryMessageID,
		ConversationID:       conversationID,
		Role:                 models.RoleAssistant,
		Content:              comp.CompressedContent,
		Timestamp:            firstFoldedTimestamp(msgs, comp),
		IsCompressionSummary: true,
		Status:               models.StatusCompleted,
	})

	for _, m := range msgs {
		if !comp.Contains(m.ID) && !m.IsCompressionSummary {
			out = append(out, m)
		}
	}

	return out, nil
}

// firstFoldedTimestamp falls back to the fold time when none of the
// folded messages survive.
func firstFoldedTimestamp(msgs []models.Message, comp models.Compression) int64 {
	for _, m := range msgs {
		if comp.Contains(m.ID) {
			return m.Timestamp
		}
	}

	return comp.Timestamp
}
