package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketBroadcasts = []byte("broadcasts")

// JournalEntry records a transaction broadcast for a reward key so a restart
// or retry re-examines it before sending a replacement.
type JournalEntry struct {
	Kind   string    `json:"kind"`
	TxHash string    `json:"txHash"`
	Nonce  uint64    `json:"nonce"`
	SentAt time.Time `json:"sentAt"`
}

// Journal persists broadcast transactions in BoltDB.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (and migrates) the journal at path.
func OpenJournal(path string, options *bolt.Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chain: journal path required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("chain: open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBroadcasts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chain: migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores the broadcast for key, replacing any earlier entry.
func (j *Journal) Record(key string, entry JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBroadcasts).Put([]byte(key), raw)
	})
}

// Lookup returns the broadcast journaled for key.
func (j *Journal) Lookup(key string) (JournalEntry, bool, error) {
	var (
		entry JournalEntry
		found bool
	)
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBroadcasts).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return JournalEntry{}, false, fmt.Errorf("chain: journal lookup: %w", err)
	}
	return entry, found, nil
}

// Clear removes the entry for key.
func (j *Journal) Clear(key string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBroadcasts).Delete([]byte(key))
	})
}

// Len reports the number of journaled broadcasts.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBroadcasts).Stats().KeyN
		return nil
	})
	return n, err
}
