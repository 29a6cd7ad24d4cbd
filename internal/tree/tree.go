// Package tree implements the branching message store on top of the
// local bbolt state: active-path traversal, branch switching, edits,
// deletes, compression folds and AI context assembly.
package tree

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/state"
	"github.com/google/uuid"
)

// Origin says who produced a change.
type Origin int

const (
	// OriginLocal is a user or generation edit made on this device.
	OriginLocal Origin = iota
	// OriginSync is a write applied from the sync server.
	OriginSync
)

// Change is delivered to observers after every committed mutation.
type Change struct {
	ConversationID string
	Op             string
	Origin         Origin
}

// NewMessage is the caller-supplied part of a message being appended.
type NewMessage struct {
	Role      models.Role
	Content   string
	Reasoning string
	Status    models.MessageStatus
	TaskID    string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides message id generation.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// Store is the message tree over a state database. It is safe for
// concurrent use: every mutation is a single bbolt read-write transaction.
type Store struct {
	state  *state.State
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.RWMutex
	observers []func(Change)
}

// New creates a Store over st.
func New(st *state.State, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		state:  st,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// State exposes the underlying database for batch readers.
func (s *Store) State() *state.State { return s.state }

// Observe registers fn to be called after each committed change. fn runs
// on the mutating goroutine and must not block.
func (s *Store) Observe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, fn)
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	obs := append([]func(Change){}, s.observers...)
	s.mu.RUnlock()

	for _, fn := range obs {
		fn(c)
	}
}

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

// update runs fn in a write transaction and notifies observers on commit.
func (s *Store) update(ctx context.Context, conversationID, op string, fn func(tx *state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.state.Update(fn); err != nil {
		return err
	}

	s.notify(Change{ConversationID: conversationID, Op: op, Origin: OriginLocal})

	return nil
}

// --- Conversations ---

// CreateConversation stores a new empty conversation and returns it.
func (s *Store) CreateConversation(ctx context.Context, title string) (models.Conversation, error) {
	c := models.Conversation{
		ID:            s.newID(),
		Title:         title,
		LastUpdatedAt: s.nowMillis(),
	}

	err := s.update(ctx, c.ID, "create_conversation", func(tx *state.Tx) error {
		return tx.PutConversation(c)
	})

	return c, err
}

// Conversation returns a conversation or ErrNotFound.
func (s *Store) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation

	err := s.view(ctx, func(tx *state.Tx) error {
		got, err := tx.Conversation(id)
		if err != nil {
			return err
		}

		if got == nil {
			return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
		}

		c = *got

		return nil
	})

	return c, err
}

// Conversations lists conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation

	err := s.view(ctx, func(tx *state.Tx) error {
		var err error
		convs, err = tx.Conversations()

		return err
	})

	return convs, err
}

// UpdateConversation applies fn to a stored conversation.
func (s *Store) UpdateConversation(ctx context.Context, id string, fn func(c *models.Conversation)) error {
	return s.update(ctx, id, "update_conversation", func(tx *state.Tx) error {
		c, err := tx.Conversation(id)
		if err != nil {
			return err
		}

		if c == nil {
			return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
		}

		fn(c)
		c.LastUpdatedAt = max(c.LastUpdatedAt, s.nowMillis())

		return tx.PutConversation(*c)
	})
}

// DeleteConversation removes a conversation and all of its messages,
// writing a tombstone for each removed record.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.update(ctx, id, "delete_conversation", func(tx *state.Tx) error {
		msgs, err := tx.MessagesByConversation(id)
		if err != nil {
			return err
		}

		now := s.nowMillis()
		stones := make([]models.Tombstone, 0, len(msgs)+1)

		for _, m := range msgs {
			if err := tx.DeleteMessage(m.ID); err != nil {
				return err
			}

			stones = append(stones, models.Tombstone{Table: models.TableMessages, RecordID: m.ID, DeletedAt: now})
		}

		if err := tx.DeleteConversation(id); err != nil {
			return err
		}

		stones = append(stones, models.Tombstone{Table: models.TableConversations, RecordID: id, DeletedAt: now})

		return tx.AddTombstones(stones...)
	})
}

// --- Reads ---

func (s *Store) view(ctx context.Context, fn func(tx *state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.state.View(fn)
}

// Message returns a single message or ErrNotFound.
func (s *Store) Message(ctx context.Context, id string) (models.Message, error) {
	var m models.Message

	err := s.view(ctx, func(tx *state.Tx) error {
		got, err := tx.Message(id)
		if err != nil {
			return err
		}

		if got == nil {
			return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
		}

		m = *got

		return nil
	})

	return m, err
}

// Messages returns every message of a conversation in timestamp order,
// regardless of branch.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.view(ctx, func(tx *state.Tx) error {
		var err error
		msgs, err = tx.MessagesByConversation(conversationID)

		return err
	})

	return msgs, err
}

// ActivePath returns the currently selected branch of a conversation from
// its first root to a leaf, annotated with sibling positions.
func (s *Store) ActivePath(ctx context.Context, conversationID string) ([]PathNode, error) {
	msgs, err := s.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return BuildPath(msgs, s.logger), nil
}

// leaf returns the last node of the untruncated active path, or nil.
func (s *Store) leaf(tx *state.Tx, conversationID string) (*models.Message, error) {
	msgs, err := tx.MessagesByConversation(conversationID)
	if err != nil {
		return nil, err
	}

	path := buildIndex(msgs).walk(s.logger)
	if len(path) == 0 {
		return nil, nil
	}

	m := path[len(path)-1].Message

	return &m, nil
}

// nextTimestamp keeps timestamps strictly increasing within a
// conversation so sibling recency is unambiguous.
func (s *Store) nextTimestamp(tx *state.Tx, conversationID string) (int64, error) {
	now := s.nowMillis()

	msgs, err := tx.MessagesByConversation(conversationID)
	if err != nil {
		return 0, err
	}

	if n := len(msgs); n > 0 && msgs[n-1].Timestamp >= now {
		return msgs[n-1].Timestamp + 1, nil
	}

	return now, nil
}

// --- Mutations ---

// AddMessage appends a message to a conversation. With a nil parentID it
// attaches to the leaf of the active path, or becomes a root when the
// conversation is empty. The parent's selected child moves to the new
// message so the active path extends through it.
func (s *Store) AddMessage(ctx context.Context, conversationID string, parentID *string, nm NewMessage) (models.Message, error) {
	var added models.Message

	err := s.update(ctx, conversationID, "add_message", func(tx *state.Tx) error {
		conv, err := tx.Conversation(conversationID)
		if err != nil {
			return err
		}

		if conv == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, apperr.ErrNotFound)
		}

		var parent *models.Message

		if parentID != nil {
			parent, err = tx.Message(*parentID)
			if err != nil {
				return err
			}

			if parent == nil || parent.ConversationID != conversationID {
				return fmt.Errorf("parent %s: %w", *parentID, apperr.ErrNotFound)
			}
		} else {
			parent, err = s.leaf(tx, conversationID)
			if err != nil {
				return err
			}
		}

		ts, err := s.nextTimestamp(tx, conversationID)
		if err != nil {
			return err
		}

		status := nm.Status
		if status == "" {
			status = models.StatusCompleted
		}

		added = models.Message{
			ID:             s.newID(),
			ConversationID: conversationID,
			Role:           nm.Role,
			Content:        nm.Content,
			Reasoning:      nm.Reasoning,
			Timestamp:      ts,
			UpdatedAt:      ts,
			Status:         status,
			TaskID:         nm.TaskID,
		}

		if parent != nil {
			pid := parent.ID
			added.ParentID = &pid

			parent.SelectedChildID = &added.ID
			parent.UpdatedAt = ts

			if err := tx.PutMessage(*parent); err != nil {
				return err
			}
		}

		if err := tx.PutMessage(added); err != nil {
			return err
		}

		conv.LastUpdatedAt = max(conv.LastUpdatedAt, ts)

		return tx.PutConversation(*conv)
	})
	if err != nil {
		return models.Message{}, err
	}

	s.logger.Debug("message added",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", added.ID),
		slog.String("role", string(added.Role)),
	)

	return added, nil
}

// SwitchBranch selects targetSiblingID below the parent of messageID.
// It does nothing for roots or when the target is already selected.
func (s *Store) SwitchBranch(ctx context.Context, messageID, targetSiblingID string) error {
	var conversationID string

	changed := false

	err := s.state.Update(func(tx *state.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := tx.Message(messageID)
		if err != nil {
			return err
		}

		if m == nil {
			return fmt.Errorf("message %s: %w", messageID, apperr.ErrNotFound)
		}

		conversationID = m.ConversationID

		if m.ParentID == nil {
			return nil
		}

		target, err := tx.Message(targetSiblingID)
		if err != nil {
			return err
		}

		if target == nil || target.Parent() != *m.ParentID {
			return fmt.Errorf("sibling %s of %s: %w", targetSiblingID, messageID, apperr.ErrNotFound)
		}

		parent, err := tx.Message(*m.ParentID)
		if err != nil {
			return err
		}

		if parent == nil || parent.SelectedChild() == targetSiblingID {
			return nil
		}

		parent.SelectedChildID = &target.ID
		parent.UpdatedAt = s.nowMillis()
		changed = true

		return tx.PutMessage(*parent)
	})
	if err != nil || !changed {
		return err
	}

	s.notify(Change{ConversationID: conversationID, Op: "switch_branch", Origin: OriginLocal})

	return nil
}

// EditMessage replaces a message's content in place and refreshes its
// modification time. Compression summaries are immutable.
func (s *Store) EditMessage(ctx context.Context, id, content string) error {
	return s.mutateMessage(ctx, id, "edit_message", func(m *models.Message) error {
		if m.IsCompressionSummary {
			return apperr.ErrSummaryImmutable
		}

		m.Content = content

		return nil
	})
}

// AppendContent appends streamed text to a message.
func (s *Store) AppendContent(ctx context.Context, id, delta, reasoningDelta string) error {
	return s.mutateMessage(ctx, id, "append_content", func(m *models.Message) error {
		m.Content += delta
		m.Reasoning += reasoningDelta

		return nil
	})
}

// FinishMessage moves a message to a terminal status.
func (s *Store) FinishMessage(ctx context.Context, id string, status models.MessageStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	return s.mutateMessage(ctx, id, "finish_message", func(m *models.Message) error {
		m.Status = status

		return nil
	})
}

func (s *Store) mutateMessage(ctx context.Context, id, op string, fn func(m *models.Message) error) error {
	var conversationID string

	err := s.state.Update(func(tx *state.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := tx.Message(id)
		if err != nil {
			return err
		}

		if m == nil {
			return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
		}

		if err := fn(m); err != nil {
			return err
		}

		now := s.nowMillis()
		m.UpdatedAt = max(now, m.UpdatedAt+1)
		conversationID = m.ConversationID

		if err := tx.PutMessage(*m); err != nil {
			return err
		}

		return touchConversation(tx, conversationID, now)
	})
	if err != nil {
		return err
	}

	s.notify(Change{ConversationID: conversationID, Op: op, Origin: OriginLocal})

	return nil
}

func touchConversation(tx *state.Tx, id string, now int64) error {
	c, err := tx.Conversation(id)
	if err != nil || c == nil {
		return err
	}

	c.LastUpdatedAt = max(c.LastUpdatedAt, now)

	return tx.PutConversation(*c)
}

// DeleteMessage removes a message. Its children move up to its parent
// (or become roots), and a parent that had it selected falls back to
// recency. A tombstone is recorded for sync.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	var conversationID string

	err := s.state.Update(func(tx *state.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := tx.Message(id)
		if err != nil {
			return err
		}

		if m == nil {
			return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
		}

		conversationID = m.ConversationID
		now := s.nowMillis()

		if err := removeMessage(tx, m, now); err != nil {
			return err
		}

		if err := tx.AddTombstones(models.Tombstone{Table: models.TableMessages, RecordID: id, DeletedAt: now}); err != nil {
			return err
		}

		return touchConversation(tx, conversationID, now)
	})
	if err != nil {
		return err
	}

	s.notify(Change{ConversationID: conversationID, Op: "delete_message", Origin: OriginLocal})

	return nil
}

// removeMessage deletes m, moving its children up to its parent and
// clearing the parent's selection when it pointed at m.
func removeMessage(tx *state.Tx, m *models.Message, now int64) error {
	kids, err := tx.Children(m.ID)
	if err != nil {
		return err
	}

	for _, k := range kids {
		k.ParentID = m.ParentID
		k.UpdatedAt = now

		if err := tx.PutMessage(k); err != nil {
			return err
		}
	}

	if p := m.Parent(); p != "" {
		parent, err := tx.Message(p)
		if err != nil {
			return err
		}

		if parent != nil && parent.SelectedChild() == m.ID {
			parent.SelectedChildID = nil
			parent.UpdatedAt = now

			if err := tx.PutMessage(*parent); err != nil {
				return err
			}
		}
	}

	return tx.DeleteMessage(m.ID)
}

// --- Sync-facing writes ---

// Upsert writes whole records received from sync in one transaction.
// Records with a local tombstone are skipped, as are messages of a
// tombstoned conversation. Observers see OriginSync.
func (s *Store) Upsert(ctx context.Context, convs []models.Conversation, msgs []models.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	written := 0
	touched := make(map[string]struct{})

	err := s.state.Update(func(tx *state.Tx) error {
		written = 0

		for _, c := range convs {
			dead, err := tx.Tombstone(models.TableConversations, c.ID)
			if err != nil {
				return err
			}

			if dead != nil {
				continue
			}

			if err := tx.PutConversation(c); err != nil {
				return err
			}

			touched[c.ID] = struct{}{}
			written++
		}

		for _, m := range msgs {
			if m.ConversationID == "" {
				continue
			}

			dead, err := tx.Tombstone(models.TableMessages, m.ID)
			if err != nil {
				return err
			}

			if dead == nil {
				dead, err = tx.Tombstone(models.TableConversations, m.ConversationID)
				if err != nil {
					return err
				}
			}

			if dead != nil {
				continue
			}

			if err := tx.PutMessage(m); err != nil {
				return err
			}

			touched[m.ConversationID] = struct{}{}
			written++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	for id := range touched {
		s.notify(Change{ConversationID: id, Op: "upsert", Origin: OriginSync})
	}

	return written, nil
}

// ApplyTombstones deletes the local records named by stones, using the
// same reparenting as DeleteMessage, and records the stones so the
// records are not pulled back in. It returns how many records were
// removed. Observers see OriginSync.
func (s *Store) ApplyTombstones(ctx context.Context, stones []models.Tombstone) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(stones) == 0 {
		return 0, nil
	}

	removed := 0
	touched := make(map[string]struct{})

	err := s.state.Update(func(tx *state.Tx) error {
		removed = 0
		now := s.nowMillis()

		for _, ts := range stones {
			switch ts.Table {
			case models.TableMessages:
				m, err := tx.Message(ts.RecordID)
				if err != nil {
					return err
				}

				if m == nil {
					continue
				}

				if err := removeMessage(tx, m, now); err != nil {
					return err
				}

				touched[m.ConversationID] = struct{}{}
				removed++

			case models.TableConversations:
				c, err := tx.Conversation(ts.RecordID)
				if err != nil {
					return err
				}

				if c == nil {
					continue
				}

				msgs, err := tx.MessagesByConversation(c.ID)
				if err != nil {
					return err
				}

				for _, m := range msgs {
					if err := tx.DeleteMessage(m.ID); err != nil {
						return err
					}
				}

				if err := tx.DeleteConversation(c.ID); err != nil {
					return err
				}

				touched[c.ID] = struct{}{}
				removed += len(msgs) + 1

			default:
				s.logger.Debug("ignoring tombstone for unknown table",
					slog.String("table", ts.Table),
					slog.String("record_id", ts.RecordID),
				)
			}
		}

		return tx.AddTombstones(stones...)
	})
	if err != nil {
		return 0, err
	}

	for id := range touched {
		s.notify(Change{ConversationID: id, Op: "apply_tombstones", Origin: OriginSync})
	}

	return removed, nil
}

// ClearAll removes every conversation, message and tombstone. It is the
// only operation that prunes tombstones.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.update(ctx, "", "clear_all", func(tx *state.Tx) error {
		return tx.ClearAll()
	})
}

// Snapshot reads settings, conversations, messages and tombstones in one
// read transaction.
func (s *Store) Snapshot(ctx context.Context) (models.Bundle, error) {
	var b models.Bundle

	err := s.view(ctx, func(tx *state.Tx) error {
		var err error

		if b.Settings, err = tx.Settings(); err != nil {
			return err
		}

		if b.Conversations, err = tx.Conversations(); err != nil {
			return err
		}

		if b.Messages, err = tx.Messages(); err != nil {
			return err
		}

		b.Tombstones, err = tx.Tombstones()

		return err
	})

	return b, err
}

// PutSettings replaces the user settings object.
func (s *Store) PutSettings(ctx context.Context, settings map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.state.Update(func(tx *state.Tx) error {
		return tx.PutSettings(settings)
	})
}

// Restore replaces the whole dataset with b in a single transaction. On
// any error nothing is changed. Observers see OriginLocal for every
// restored conversation so the restore is pushed like any other edit.
func (s *Store) Restore(ctx context.Context, b models.Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.state.Update(func(tx *state.Tx) error {
		if err := tx.ClearAll(); err != nil {
			return err
		}

		for _, c := range b.Conversations {
			if err := tx.PutConversation(c); err != nil {
				return err
			}
		}

		for _, m := range b.Messages {
			if m.ConversationID == "" {
				return fmt.Errorf("message %s has no conversation", m.ID)
			}

			if err := tx.PutMessage(m); err != nil {
				return err
			}
		}

		if err := tx.AddTombstones(b.Tombstones...); err != nil {
			return err
		}

		settings := b.Settings
		if settings == nil {
			settings = map[string]any{}
		}

		return tx.PutSettings(settings)
	})
	if err != nil {
		return err
	}

	for _, c := range b.Conversations {
		s.notify(Change{ConversationID: c.ID, Op: "restore", Origin: OriginLocal})
	}

	return nil
}
