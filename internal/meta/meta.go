// Package meta persists a device's replication metadata: the
// generation UUID vectors and flags in a YAML superblock, and the
// per-peer out-of-sync bitmaps as zstd-compressed sidecar files.
package meta

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/replimesh/replimesh/internal/uuids"
)

// PeerSlot is the persisted per-peer state.
type PeerSlot struct {
	NodeID     int    `yaml:"node_id"`
	BitmapUUID uint64 `yaml:"bitmap_uuid"`
}

// Superblock is the on-disk metadata of one device.
type Superblock struct {
	NodeID         int        `yaml:"node_id"`
	Sectors        uint64     `yaml:"sectors"`
	CurrentUUID    uint64     `yaml:"current_uuid"`
	History        []uint64   `yaml:"history,omitempty"`
	Peers          []PeerSlot `yaml:"peers,omitempty"`
	CrashedPrimary bool       `yaml:"crashed_primary,omitempty"`
	Consistent     bool       `yaml:"consistent"`
}

// Store reads and writes a device's metadata directory.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the metadata directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) superblockPath() string {
	return filepath.Join(s.dir, "superblock.yaml")
}

// Load reads the superblock. A missing file returns a fresh superblock
// with a just-created current UUID.
func (s *Store) Load() (*Superblock, error) {
	data, err := os.ReadFile(s.superblockPath())
	if os.IsNotExist(err) {
		return &Superblock{CurrentUUID: uuids.JustCreated, Consistent: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	sb := &Superblock{}
	if err := yaml.Unmarshal(data, sb); err != nil {
		return nil, fmt.Errorf("parse superblock: %w", err)
	}
	return sb, nil
}

// Save writes the superblock atomically (write-to-temp plus rename).
func (s *Store) Save(sb *Superblock) error {
	data, err := yaml.Marshal(sb)
	if err != nil {
		return fmt.Errorf("marshal superblock: %w", err)
	}
	tmp := s.superblockPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	if err := os.Rename(tmp, s.superblockPath()); err != nil {
		return fmt.Errorf("commit superblock: %w", err)
	}
	return nil
}

// NewUUID generates a fresh generation UUID: 64 random bits with the
// low role bit clear.
func NewUUID() uint64 {
	u := uuid.New()
	v := binary.BigEndian.Uint64(u[:8]) &^ 1
	if v == 0 || v == uuids.JustCreated {
		// Vanishingly unlikely, but those two values are reserved.
		v = binary.BigEndian.Uint64(u[8:]) | 8
	}
	return v
}

// Vector assembles the in-memory UUID vector from the superblock.
func (sb *Superblock) Vector() *uuids.Vector {
	v := &uuids.Vector{Current: sb.CurrentUUID}
	for i, h := range sb.History {
		if i >= len(v.History) {
			break
		}
		v.History[i] = h
	}
	for _, p := range sb.Peers {
		if p.NodeID >= 0 && p.NodeID < len(v.Bitmap) {
			v.Bitmap[p.NodeID] = p.BitmapUUID
		}
	}
	return v
}

// SetVector folds the in-memory UUID vector back into the superblock.
func (sb *Superblock) SetVector(v *uuids.Vector) {
	sb.CurrentUUID = v.Current
	sb.History = sb.History[:0]
	for _, h := range v.History {
		if h != 0 {
			sb.History = append(sb.History, h)
		}
	}
	sb.Peers = sb.Peers[:0]
	for id, b := range v.Bitmap {
		if b != 0 {
			sb.Peers = append(sb.Peers, PeerSlot{NodeID: id, BitmapUUID: b})
		}
	}
}
