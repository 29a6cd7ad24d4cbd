package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/threadsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.threadsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket          = []byte("app")
	conversationBucket = []byte("conversations")
	messageBucket      = []byte("messages")
	tombstoneBucket    = []byte("tombstones")

	// convIndexBucket holds one nested bucket per conversation id whose
	// keys are the ids of that conversation's messages.
	convIndexBucket = []byte("idx:conversation")

	// parentIndexBucket holds one nested bucket per parent message id
	// whose keys are the ids of its children. Roots are not indexed.
	parentIndexBucket = []byte("idx:parent")

	settingsKey = []byte("settings")
	syncKey     = []byte("sync")
)

// State wraps a bbolt database holding conversations, messages,
// tombstones and the local settings records.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and all
// top-level buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			appBucket,
			conversationBucket,
			messageBucket,
			tombstoneBucket,
			convIndexBucket,
			parentIndexBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. Everything fn writes is
// committed atomically, or nothing is if fn returns an error.
func (s *State) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn in a read-only transaction.
func (s *State) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Tx exposes typed accessors over a bbolt transaction.
type Tx struct {
	tx *bolt.Tx
}

// --- Conversations ---

// Conversation returns a conversation by id, or nil if not found.
func (t *Tx) Conversation(id string) (*models.Conversation, error) {
	v := t.tx.Bucket(conversationBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	c := &models.Conversation{}
	if err := json.Unmarshal(v, c); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}

	return c, nil
}

// PutConversation inserts or replaces a conversation.
func (t *Tx) PutConversation(c models.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return t.tx.Bucket(conversationBucket).Put([]byte(c.ID), data)
}

// DeleteConversation removes a conversation record. Its messages are
// not touched; callers delete them explicitly.
func (t *Tx) DeleteConversation(id string) error {
	return t.tx.Bucket(conversationBucket).Delete([]byte(id))
}

// Conversations returns all conversations, most recently updated first.
func (t *Tx) Conversations() ([]models.Conversation, error) {
	var out []models.Conversation

	err := t.tx.Bucket(conversationBucket).ForEach(func(k, v []byte) error {
		var c models.Conversation
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}

		out = append(out, c)

		return nil
	})

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdatedAt > out[j].LastUpdatedAt
	})

	return out, err
}

// --- Messages ---

// Message returns a message by id, or nil if not found.
func (t *Tx) Message(id string) (*models.Message, error) {
	v := t.tx.Bucket(messageBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	m := &models.Message{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}

	return m, nil
}

// PutMessage inserts or replaces a message and keeps the conversation
// and parent indexes in step with it.
func (t *Tx) PutMessage(m models.Message) error {
	prev, err := t.Message(m.ID)
	if err != nil {
		return err
	}

	if prev != nil {
		if err := t.unindex(*prev); err != nil {
			return err
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	if err := t.tx.Bucket(messageBucket).Put([]byte(m.ID), data); err != nil {
		return err
	}

	return t.index(m)
}

// DeleteMessage removes a message and its index entries. Missing ids
// are ignored.
func (t *Tx) DeleteMessage(id string) error {
	prev, err := t.Message(id)
	if err != nil || prev == nil {
		return err
	}

	if err := t.unindex(*prev); err != nil {
		return err
	}

	return t.tx.Bucket(messageBucket).Delete([]byte(id))
}

// MessagesByConversation returns every message of a conversation ordered
// by timestamp, ties broken by id.
func (t *Tx) MessagesByConversation(conversationID string) ([]models.Message, error) {
	idx := t.tx.Bucket(convIndexBucket).Bucket([]byte(conversationID))
	if idx == nil {
		return nil, nil
	}

	return t.collect(idx)
}

// Children returns the direct children of a message ordered by timestamp.
func (t *Tx) Children(parentID string) ([]models.Message, error) {
	idx := t.tx.Bucket(parentIndexBucket).Bucket([]byte(parentID))
	if idx == nil {
		return nil, nil
	}

	return t.collect(idx)
}

// Messages returns every message in the store.
func (t *Tx) Messages() ([]models.Message, error) {
	var out []models.Message

	err := t.tx.Bucket(messageBucket).ForEach(func(k, v []byte) error {
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		out = append(out, m)

		return nil
	})

	SortByTimestamp(out)

	return out, err
}

func (t *Tx) collect(idx *bolt.Bucket) ([]models.Message, error) {
	var out []models.Message

	err := idx.ForEach(func(k, _ []byte) error {
		m, err := t.Message(string(k))
		if err != nil {
			return err
		}

		// A stale index entry without a record is skipped.
		if m != nil {
			out = append(out, *m)
		}

		return nil
	})

	SortByTimestamp(out)

	return out, err
}

func (t *Tx) index(m models.Message) error {
	conv, err := t.tx.Bucket(convIndexBucket).CreateBucketIfNotExists([]byte(m.ConversationID))
	if err != nil {
		return err
	}

	if err := conv.Put([]byte(m.ID), []byte{}); err != nil {
		return err
	}

	if m.ParentID == nil || *m.ParentID == "" {
		return nil
	}

	parent, err := t.tx.Bucket(parentIndexBucket).CreateBucketIfNotExists([]byte(*m.ParentID))
	if err != nil {
		return err
	}

	return parent.Put([]byte(m.ID), []byte{})
}

func (t *Tx) unindex(m models.Message) error {
	if err := deleteIndexEntry(t.tx.Bucket(convIndexBucket), m.ConversationID, m.ID); err != nil {
		return err
	}

	if m.ParentID == nil || *m.ParentID == "" {
		return nil
	}

	return deleteIndexEntry(t.tx.Bucket(parentIndexBucket), *m.ParentID, m.ID)
}

// deleteIndexEntry removes key from the nested bucket name and drops the
// nested bucket once it is empty.
func deleteIndexEntry(root *bolt.Bucket, name, key string) error {
	if name == "" {
		return nil
	}

	b := root.Bucket([]byte(name))
	if b == nil {
		return nil
	}

	if err := b.Delete([]byte(key)); err != nil {
		return err
	}

	if k, _ := b.Cursor().First(); k == nil {
		return root.DeleteBucket([]byte(name))
	}

	return nil
}

// SortByTimestamp orders messages by timestamp, ties broken by id so the
// order is stable across reads.
func SortByTimestamp(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}

		return msgs[i].ID < msgs[j].ID
	})
}

// --- Tombstones ---

func tombstoneKey(table, recordID string) []byte {
	return []byte(table + "\x00" + recordID)
}

// AddTombstones records deletions. Existing entries are overwritten
// with the newer deletedAt.
func (t *Tx) AddTombstones(stones ...models.Tombstone) error {
	b := t.tx.Bucket(tombstoneBucket)

	for _, ts := range stones {
		data, err := json.Marshal(ts)
		if err != nil {
			return err
		}

		if err := b.Put(tombstoneKey(ts.Table, ts.RecordID), data); err != nil {
			return err
		}
	}

	return nil
}

// Tombstone returns the tombstone for (table, recordID), or nil.
func (t *Tx) Tombstone(table, recordID string) (*models.Tombstone, error) {
	v := t.tx.Bucket(tombstoneBucket).Get(tombstoneKey(table, recordID))
	if v == nil {
		return nil, nil
	}

	ts := &models.Tombstone{}

	return ts, json.Unmarshal(v, ts)
}

// Tombstones returns every recorded tombstone.
func (t *Tx) Tombstones() ([]models.Tombstone, error) {
	var out []models.Tombstone

	err := t.tx.Bucket(tombstoneBucket).ForEach(func(k, v []byte) error {
		var ts models.Tombstone
		if err := json.Unmarshal(v, &ts); err != nil {
			return err
		}

		out = append(out, ts)

		return nil
	})

	return out, err
}

// --- App records ---

// Settings returns the user settings object, or an empty map.
func (t *Tx) Settings() (map[string]any, error) {
	out := map[string]any{}

	v := t.tx.Bucket(appBucket).Get(settingsKey)
	if v == nil {
		return out, nil
	}

	return out, json.Unmarshal(v, &out)
}

// PutSettings replaces the user settings object.
func (t *Tx) PutSettings(settings map[string]any) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	return t.tx.Bucket(appBucket).Put(settingsKey, data)
}

// SyncSettings returns the sync settings record, defaulting to idle.
func (t *Tx) SyncSettings() (models.SyncSettings, error) {
	ss := models.SyncSettings{Status: models.SyncIdle}

	v := t.tx.Bucket(appBucket).Get(syncKey)
	if v == nil {
		return ss, nil
	}

	return ss, json.Unmarshal(v, &ss)
}

// PutSyncSettings replaces the sync settings record.
func (t *Tx) PutSyncSettings(ss models.SyncSettings) error {
	data, err := json.Marshal(ss)
	if err != nil {
		return err
	}

	return t.tx.Bucket(appBucket).Put(syncKey, data)
}

// ClearAll removes every conversation, message and tombstone. This is the
// only operation that prunes tombstones.
func (t *Tx) ClearAll() error {
	for _, name := range [][]byte{
		conversationBucket,
		messageBucket,
		tombstoneBucket,
		convIndexBucket,
		parentIndexBucket,
	} {
		if err := t.tx.DeleteBucket(name); err != nil {
			return err
		}

		if _, err := t.tx.CreateBucket(name); err != nil {
			return err
		}
	}

	return nil
}

// --- Convenience wrappers ---

// SyncSettings reads the sync settings record in its own transaction.
func (s *State) SyncSettings() (models.SyncSettings, error) {
	var ss models.SyncSettings

	err := s.View(func(tx *Tx) error {
		var err error
		ss, err = tx.SyncSettings()

		return err
	})

	return ss, err
}

// UpdateSyncSettings applies fn to the sync settings record atomically.
func (s *State) UpdateSyncSettings(fn func(ss *models.SyncSettings)) error {
	return s.Update(func(tx *Tx) error {
		ss, err := tx.SyncSettings()
		if err != nil {
			return err
		}

		fn(&ss)

		return tx.PutSyncSettings(ss)
	})
}
