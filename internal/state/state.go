package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/clinic-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.clinic-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket           = []byte("app")
	lastPeerKey         = []byte("last_peer")
	conversationsBucket = []byte("conversations")
)

// pairKey is the bbolt key for a (patient, doctor) pair. Fixed-width big
// endian keeps cursor iteration ordered by patient, then doctor.
func pairKey(patientID, doctorID int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(patientID))
	binary.BigEndian.PutUint64(k[8:], uint64(doctorID))

	return k
}

// State wraps a bbolt database for all persistent application state.
// Message history is never stored here; only conversation identities
// and small client preferences survive a restart.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.clinic-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conversationsBucket)

		return err
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

// LastPeer returns the participant of the most recently opened
// conversation, or 0 when none was recorded.
func (s *State) LastPeer() int64 {
	var peer int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastPeerKey)
		if len(v) == 8 {
			peer = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return peer
}

// SetLastPeer records the participant of the conversation just opened.
func (s *State) SetLastPeer(peerID int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(peerID))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastPeerKey, v)
	})
}

// GetConversation returns the cached conversation for a pair, or nil if
// the pair has never been resolved on this machine.
func (s *State) GetConversation(patientID, doctorID int64) (*models.Conversation, error) {
	var c *models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get(pairKey(patientID, doctorID))
		if v == nil {
			return nil
		}

		c = &models.Conversation{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// SaveConversation caches a resolved conversation under its pair.
func (s *State) SaveConversation(c models.Conversation) error {
	if c.ID == 0 {
		return fmt.Errorf("conversation id is required")
	}

	if c.ResolvedAt.IsZero() {
		c.ResolvedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(conversationsBucket).Put(pairKey(c.PatientID, c.DoctorID), data)
	})
}

// DeleteConversation drops the cached entry for a pair. Deleting a pair
// that was never cached is a no-op.
func (s *State) DeleteConversation(patientID, doctorID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete(pairKey(patientID, doctorID))
	})
}

// AllConversations returns every cached conversation ordered by id.
func (s *State) AllConversations() ([]models.Conversation, error) {
	var convs []models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var c models.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			convs = append(convs, c)

			return nil
		})
	})

	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })

	return convs, err
}

// DefaultPath returns ~/.clinic-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".clinic-sync", "state.db"), nil
}
