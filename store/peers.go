// Package store keeps the peers this node has had a session with across restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/encodeous/arbor/state"
	bolt "go.etcd.io/bbolt"
)

const (
	bPeers = "peers"

	openTimeout = 2 * time.Second
)

// KnownPeer is the last session seen with a remote key.
type KnownPeer struct {
	Key      state.PublicKey `json:"key" yaml:"key"`
	URL      string          `json:"url,omitempty" yaml:"url,omitempty"` // empty for inbound sessions
	Inbound  bool            `json:"inbound" yaml:"inbound"`
	LastSeen time.Time       `json:"last_seen" yaml:"last_seen"`
}

type PeerStore struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*PeerStore, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening peer store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bPeers))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PeerStore{db: db}, nil
}

func (s *PeerStore) Close() error { return s.db.Close() }

// Put records a session, keyed by the remote key.
func (s *PeerStore) Put(p KnownPeer) error {
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).Put(p.Key[:], val)
	})
}

func (s *PeerStore) Get(key state.PublicKey) (KnownPeer, bool, error) {
	var (
		p     KnownPeer
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bPeers)).Get(key[:])
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &p)
	})
	return p, found, err
}

func (s *PeerStore) Delete(key state.PublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).Delete(key[:])
	})
}

// List returns every known peer, most recently seen first.
func (s *PeerStore) List() ([]KnownPeer, error) {
	var out []KnownPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).ForEach(func(_, v []byte) error {
			var p KnownPeer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	slices.SortFunc(out, func(a, b KnownPeer) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return out, err
}

// Prune removes peers not seen since before.
func (s *PeerStore) Prune(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bPeers))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var p KnownPeer
			if err := json.Unmarshal(v, &p); err != nil || p.LastSeen.Before(before) {
				stale = append(stale, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
