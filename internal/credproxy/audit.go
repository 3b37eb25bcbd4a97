package credproxy

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var auditBucket = []byte("audit")

// AuditEntry records one egress decision: an allow/deny check or a signed
// forward. It is the unit the audit log persists, keyed by a monotonic
// sequence so entries replay in the order they were decided.
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	SandboxID string    `json:"sandbox_id"`
	Method    string    `json:"method"`
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	Decision  string    `json:"decision"` // "allow", "deny", "signed"
	Reason    string    `json:"reason,omitempty"`
}

// AuditLog is an append-only bbolt-backed record of every allow/deny and
// signing decision the proxy makes, consulted after the fact for incident
// review rather than on the request hot path.
type AuditLog struct {
	db *bolt.DB
}

// OpenAuditLog opens (creating if absent) the bbolt file at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Append writes entry under the bucket's next sequence number. The bucket
// sequence counter is bbolt's own monotonic NextSequence, so concurrent
// writers never collide.
func (a *AuditLog) Append(entry AuditEntry) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		buf, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, buf)
	})
}

// Tail returns up to limit most recent entries, newest last.
func (a *AuditLog) Tail(limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal audit entry: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close closes the underlying bbolt database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
