package peerstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jax-protocol/jax/pkg/crypto"
)

var bucketPeers = []byte("peers")

// KnownPeer is the daemon's record of a peer it has exchanged data with:
// a friendly name, the addresses it was last reachable at, and when it
// was last seen. Dial hints only; identity is always the public key.
type KnownPeer struct {
	PublicKey string    `json:"public_key"`
	Name      string    `json:"name,omitempty"`
	Addresses []string  `json:"addresses,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store is the BoltDB-backed peer address book.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if necessary) the address book under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "peers.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create peer bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces a peer record.
func (s *Store) Put(peer *KnownPeer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data, err := json.Marshal(peer)
		if err != nil {
			return err
		}
		return b.Put([]byte(peer.PublicKey), data)
	})
}

// Get returns a peer record by identity, or nil when unknown.
func (s *Store) Get(id crypto.PublicKey) (*KnownPeer, error) {
	var peer *KnownPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(id.Hex()))
		if data == nil {
			return nil
		}
		peer = &KnownPeer{}
		return json.Unmarshal(data, peer)
	})
	return peer, err
}

// List returns every known peer.
func (s *Store) List() ([]*KnownPeer, error) {
	var peers []*KnownPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var peer KnownPeer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

// Touch updates a peer's last-seen time, creating the record if needed.
func (s *Store) Touch(id crypto.PublicKey) error {
	peer, err := s.Get(id)
	if err != nil {
		return err
	}
	if peer == nil {
		peer = &KnownPeer{PublicKey: id.Hex()}
	}
	peer.LastSeen = time.Now()
	return s.Put(peer)
}

// Delete removes a peer record.
func (s *Store) Delete(id crypto.PublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(id.Hex()))
	})
}
