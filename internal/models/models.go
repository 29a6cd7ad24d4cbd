// Package models defines the entities shared across internal packages:
// conversations, messages, tombstones and the local sync settings record.
package models

import (
	"encoding/json"
	"slices"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks the lifecycle of a message during generation.
type MessageStatus string

const (
	StatusGenerating MessageStatus = "generating"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Terminal reports whether the status ends generation.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Table names used for tombstones and sync data types.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
)

// Conversation is the root record of a chat. LastUpdatedAt (unix ms) is
// the timestamp the conflict resolver compares.
type Conversation struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	LastUpdatedAt int64          `json:"lastUpdatedAt"`
	IsGenerating  bool           `json:"isGenerating"`
	HasUnread     bool           `json:"hasUnread"`
	ManualTitle   bool           `json:"manualTitle"`
	LocalSettings map[string]any `json:"localSettings,omitempty"`
	Compression   Compression    `json:"compressionData"`
}

// Message is one node of a conversation's message forest. ParentID nil
// marks a root. SelectedChildID, when it names an actual child, selects
// the active branch below this node.
type Message struct {
	ID                   string        `json:"id"`
	ConversationID       string        `json:"conversationId"`
	Role                 Role          `json:"role"`
	Content              string        `json:"content"`
	Reasoning            string        `json:"reasoning,omitempty"`
	Timestamp            int64         `json:"timestamp"`
	UpdatedAt            int64         `json:"updatedAt"`
	ParentID             *string       `json:"parentId"`
	SelectedChildID      *string       `json:"selectedChildId,omitempty"`
	IsCompressed         bool          `json:"isCompressed"`
	IsCompressionSummary bool          `json:"isCompressionSummary"`
	TaskID               string        `json:"taskId,omitempty"`
	Status               MessageStatus `json:"status"`
}

// Parent returns the parent id or "" for roots.
func (m *Message) Parent() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

// SelectedChild returns the selected child id or "".
func (m *Message) SelectedChild() string {
	if m.SelectedChildID == nil {
		return ""
	}
	return *m.SelectedChildID
}

// Tombstone marks a hard-deleted record so sync does not resurrect it.
type Tombstone struct {
	Table     string `json:"table"`
	RecordID  string `json:"recordId"`
	DeletedAt int64  `json:"deletedAt"`
}

// Compression records the most recent fold of a conversation. The zero
// value is the NoCompression variant; Folded reports which variant is held.
type Compression struct {
	folded               bool
	SummaryMessageID     string
	CompressedMessageIDs []string
	CompressedContent    string
	Timestamp            int64
}

// NoCompression is the empty variant.
func NoCompression() Compression { return Compression{} }

// Folded builds the Compression variant.
func Folded(summaryID string, ids []string, content string, ts int64) Compression {
	return Compression{
		folded:               true,
		SummaryMessageID:     summaryID,
		CompressedMessageIDs: ids,
		CompressedContent:    content,
		Timestamp:            ts,
	}
}

// Folded reports whether the conversation has been compressed.
func (c Compression) Folded() bool { return c.folded }

// Contains reports whether id was folded into the summary.
func (c Compression) Contains(id string) bool {
	return c.folded && slices.Contains(c.CompressedMessageIDs, id)
}

type compressionJSON struct {
	SummaryMessageID     string   `json:"summaryMessageId"`
	CompressedMessageIDs []string `json:"compressedMessageIds"`
	CompressedContent    string   `json:"compressedContent"`
	Timestamp            int64    `json:"timestamp"`
}

// MarshalJSON encodes NoCompression as null and Compression as an object.
func (c Compression) MarshalJSON() ([]byte, error) {
	if !c.folded {
		return []byte("null"), nil
	}
	ids := c.CompressedMessageIDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(compressionJSON{
		SummaryMessageID:     c.SummaryMessageID,
		CompressedMessageIDs: ids,
		CompressedContent:    c.CompressedContent,
		Timestamp:            c.Timestamp,
	})
}

// UnmarshalJSON accepts null (NoCompression) or the object form.
func (c *Compression) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = NoCompression()
		return nil
	}
	var raw compressionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Folded(raw.SummaryMessageID, raw.CompressedMessageIDs, raw.CompressedContent, raw.Timestamp)
	return nil
}

// SyncStatus is the observable state of the last sync cycle.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// SyncSettings is the local config entity the sync engine reports through.
type SyncSettings struct {
	Enabled      bool             `json:"enabled"`
	Status       SyncStatus       `json:"status"`
	LastError    string           `json:"lastError,omitempty"`
	LastSyncTime int64            `json:"lastSyncTime"`
	Strategy     string           `json:"strategy,omitempty"`
	Watermarks   map[string]int64 `json:"watermarks,omitempty"`

	// Digests holds the plaintext checksum last exchanged per data type,
	// so unchanged payloads are not uploaded again.
	Digests map[string]string `json:"digests,omitempty"`
}

// Sync data types. Conversations and messages reuse the table names.
const (
	DataSettings   = "settings"
	DataTombstones = "tombstones"
)

// DataTypes lists every per-type sync payload in apply order: deletions
// first so they are never undone by the entity payloads.
var DataTypes = []string{DataSettings, DataTombstones, TableConversations, TableMessages}

// Bundle is the whole local dataset as pushed in a snapshot or written to
// a backup file.
type Bundle struct {
	Settings      map[string]any `json:"settings"`
	Conversations []Conversation `json:"conversations"`
	Messages      []Message      `json:"messages"`
	Tombstones    []Tombstone    `json:"tombstones"`
}
