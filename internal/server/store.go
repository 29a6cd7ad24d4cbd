package server

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	bolt "go.etcd.io/bbolt"
)

const (
	storeDirPerm     = fs.FileMode(0o700)
	storeFilePerm    = fs.FileMode(0o600)
	storeOpenTimeout = 5 * time.Second
)

var (
	// rowsBucket maps tenant\x00user\x00dataType to the latest row.
	rowsBucket = []byte("rows")

	// snapshotsBucket maps tenant\x00syncId to the whole-bundle snapshot.
	snapshotsBucket = []byte("snapshots")
)

// Store persists encrypted rows and snapshots. It never sees plaintext.
// Tenant is the API key owner, or "" on an open server.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the server database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating server directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening server db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{rowsBucket, snapshotsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func userPrefix(tenant, userID string) []byte {
	return []byte(tenant + "\x00" + userID + "\x00")
}

func rowKey(tenant, userID, dataType string) []byte {
	return append(userPrefix(tenant, userID), dataType...)
}

// Put replaces the row for (tenant, user, dataType). The stored version
// is the requested one, raised past every existing version of the user
// so versions only move forward. It returns the stored row.
func (s *Store) Put(tenant string, req cloud.UploadRequest, now time.Time) (cloud.Row, error) {
	row := cloud.Row{
		DataType:      req.DataType,
		EncryptedData: req.EncryptedData,
		Checksum:      req.Checksum,
		Timestamp:     now.UnixMilli(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowsBucket)
		prefix := userPrefix(tenant, req.UserID)

		var top int64

		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r cloud.Row
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding row %q: %w", k, err)
			}

			top = max(top, r.Version)
		}

		row.Version = max(req.Version, top+1)

		data, err := json.Marshal(row)
		if err != nil {
			return err
		}

		return b.Put(rowKey(tenant, req.UserID, req.DataType), data)
	})

	return row, err
}

// Rows returns the user's rows with version above since, ascending by
// version. An empty dataType matches every type.
func (s *Store) Rows(tenant, userID, dataType string, since int64) ([]cloud.Row, error) {
	var out []cloud.Row

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := userPrefix(tenant, userID)

		c := tx.Bucket(rowsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r cloud.Row
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding row %q: %w", k, err)
			}

			if dataType != "" && r.DataType != dataType {
				continue
			}

			if r.Version > since {
				out = append(out, r)
			}
		}

		return nil
	})

	slices.SortFunc(out, func(a, b cloud.Row) int { return cmp.Compare(a.Version, b.Version) })

	return out, err
}

// Delete removes the user's row for dataType, or all of the user's rows
// when dataType is empty. It returns the number removed.
func (s *Store) Delete(tenant, userID, dataType string) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowsBucket)

		if dataType != "" {
			k := rowKey(tenant, userID, dataType)
			if b.Get(k) == nil {
				return nil
			}

			n = 1

			return b.Delete(k)
		}

		prefix := userPrefix(tenant, userID)

		var keys [][]byte

		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, slices.Clone(k))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		n = len(keys)

		return nil
	})

	return n, err
}

// Snapshot returns the stored snapshot for syncID, or nil.
func (s *Store) Snapshot(tenant, syncID string) (*cloud.Snapshot, error) {
	var snap *cloud.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(tenant + "\x00" + syncID))
		if v == nil {
			return nil
		}

		snap = &cloud.Snapshot{}

		return json.Unmarshal(v, snap)
	})

	return snap, err
}

// PutSnapshot replaces the snapshot for snap.ID.
func (s *Store) PutSnapshot(tenant string, snap cloud.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(tenant+"\x00"+snap.ID), data)
	})
}
