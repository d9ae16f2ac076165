package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// StateStore checkpoints per-ticket SL state to a bbolt file so a restart
// does not reset peak-profit high-water marks or re-loosen an already
// tightened stop. One bucket, keyed by big-endian ticket, JSON values.
type StateStore struct {
	db *bolt.DB
}

var stateBucket = []byte("sl_state")

// TicketState is the persisted subset of the engine's per-ticket state. The
// transient fields (verification pending, attempt timestamps) are
// deliberately not checkpointed; they are rebuilt on the first tick.
type TicketState struct {
	PeakProfitUSD     float64   `json:"peak_profit_usd"`
	LastAppliedSL     float64   `json:"last_applied_sl"`
	LastAppliedReason string    `json:"last_applied_reason"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// OpenState opens (or creates) the checkpoint store at path.
func OpenState(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open state %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(stateBucket)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error { return s.db.Close() }

func ticketKey(ticket int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(ticket))
	return k[:]
}

// Put checkpoints the state for ticket.
func (s *StateStore) Put(ticket int64, st TicketState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(ticketKey(ticket), raw)
	})
}

// Get loads the checkpointed state for ticket, if present.
func (s *StateStore) Get(ticket int64) (TicketState, bool, error) {
	var st TicketState
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(stateBucket).Get(ticketKey(ticket))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &st)
	})
	return st, found, err
}

// Delete drops the checkpoint for a closed ticket.
func (s *StateStore) Delete(ticket int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete(ticketKey(ticket))
	})
}

// ForEach iterates every checkpointed ticket, for operator tooling and
// restart recovery.
func (s *StateStore) ForEach(fn func(ticket int64, st TicketState) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).ForEach(func(k, v []byte) error {
			var st TicketState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			return fn(int64(binary.BigEndian.Uint64(k)), st)
		})
	})
}
