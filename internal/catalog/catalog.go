// Package catalog is the durable Sandbox record store (C7's backing store).
// It is implemented on go.etcd.io/bbolt the way the teacher's internal/store
// package persists its own records: one bucket per concern plus secondary
// index buckets, all mutated inside a single bolt.Tx so the uniqueness
// constraints on port and container_name are enforced transactionally
// rather than hoped for.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/clawbowl/orchestrator/internal/port"
)

// Sandbox lifecycle states.
const (
	StateCreating = "creating"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateError    = "error"
)

var (
	bucketSandboxes  = []byte("sandboxes")   // user_id -> json(Sandbox)
	bucketPortIndex  = []byte("port_index")  // port (8-byte BE) -> user_id
	bucketNameIndex  = []byte("name_index")  // container_name -> user_id
)

// ErrNotFound is returned when no sandbox record exists for a user.
var ErrNotFound = errors.New("sandbox: not found")

// ErrConflict is returned when a container_name collides with an existing
// record for a different user (should not happen given the derivation
// scheme, but the uniqueness constraint is load-bearing per spec).
var ErrConflict = errors.New("sandbox: container_name already in use")

// Sandbox is the durable, one-to-one-with-User record described by the data
// model: a provisioned per-user sandbox container and its catalog state.
type Sandbox struct {
	UserID        string    `json:"user_id"`
	ContainerName string    `json:"container_name"`
	ContainerID   string    `json:"container_id,omitempty"`
	Port          int       `json:"port"`
	State         string    `json:"state"`
	GatewayToken  string    `json:"gateway_token"`
	ConfigPath    string    `json:"config_path"`
	DataPath      string    `json:"data_path"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// Store wraps a BoltDB database for the sandbox catalog.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSandboxes, bucketPortIndex, bucketNameIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the sandbox record for userID, or ErrNotFound.
func (s *Store) Get(userID string) (*Sandbox, error) {
	var sb *Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSandboxes).Get([]byte(userID))
		if v == nil {
			return ErrNotFound
		}
		var out Sandbox
		if err := json.Unmarshal(v, &out); err != nil {
			return fmt.Errorf("decode sandbox: %w", err)
		}
		sb = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// CreateAllocated inserts a new sandbox record, allocating a port from
// [portStart, portEnd] inside the same transaction so the uniqueness
// constraint on port is the ground truth (spec §4.1). build receives the
// allocated port and must return a fully-formed Sandbox with State set.
func (s *Store) CreateAllocated(userID string, portStart, portEnd int, build func(allocatedPort int) *Sandbox) (*Sandbox, error) {
	var created *Sandbox
	err := s.db.Update(func(tx *bolt.Tx) error {
		sandboxes := tx.Bucket(bucketSandboxes)
		portIdx := tx.Bucket(bucketPortIndex)
		nameIdx := tx.Bucket(bucketNameIndex)

		if sandboxes.Get([]byte(userID)) != nil {
			return fmt.Errorf("sandbox: record already exists for user %s", userID)
		}

		used := map[int]bool{}
		c := portIdx.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			used[int(beUint64(k))] = true
		}
		p, err := port.Allocate(used, portStart, portEnd)
		if err != nil {
			return err
		}

		sb := build(p)
		sb.Port = p
		sb.UserID = userID
		if sb.CreatedAt.IsZero() {
			sb.CreatedAt = time.Now().UTC()
		}

		if existing := nameIdx.Get([]byte(sb.ContainerName)); existing != nil && string(existing) != userID {
			return ErrConflict
		}

		data, err := json.Marshal(sb)
		if err != nil {
			return fmt.Errorf("encode sandbox: %w", err)
		}
		if err := sandboxes.Put([]byte(userID), data); err != nil {
			return err
		}
		if err := portIdx.Put(beBytes(uint64(p)), []byte(userID)); err != nil {
			return err
		}
		if err := nameIdx.Put([]byte(sb.ContainerName), []byte(userID)); err != nil {
			return err
		}
		created = sb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update persists changes to an existing sandbox record. The port and
// container_name are immutable after creation (the state machine never
// changes them), so only the sandboxes bucket is touched.
func (s *Store) Update(sb *Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if b.Get([]byte(sb.UserID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(sb)
		if err != nil {
			return fmt.Errorf("encode sandbox: %w", err)
		}
		return b.Put([]byte(sb.UserID), data)
	})
}

// Delete removes a sandbox record and its secondary index entries.
func (s *Store) Delete(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		v := b.Get([]byte(userID))
		if v == nil {
			return nil
		}
		var sb Sandbox
		if err := json.Unmarshal(v, &sb); err != nil {
			return fmt.Errorf("decode sandbox: %w", err)
		}
		if err := b.Delete([]byte(userID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPortIndex).Delete(beBytes(uint64(sb.Port))); err != nil {
			return err
		}
		return tx.Bucket(bucketNameIndex).Delete([]byte(sb.ContainerName))
	})
}

// ListByState returns every sandbox record in the given state.
func (s *Store) ListByState(state string) ([]*Sandbox, error) {
	var out []*Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandboxes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sb Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return fmt.Errorf("decode sandbox %s: %w", k, err)
			}
			if sb.State == state {
				cp := sb
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAll returns every sandbox record in the catalog.
func (s *Store) ListAll() ([]*Sandbox, error) {
	var out []*Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandboxes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sb Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return fmt.Errorf("decode sandbox %s: %w", k, err)
			}
			cp := sb
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
