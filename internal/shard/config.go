package shard

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// ConfigFileName is the per-shard-directory marker identifying what kind of
// replica the directory holds. Restore dispatches on it.
const ConfigFileName = "shard_config.json"

// Type discriminates the replica kinds a shard directory can hold.
type Type string

const (
	// TypeLocal marks a directory holding this peer's own replica data.
	TypeLocal Type = "local"
	// TypeRemote marks a directory holding only a stub route to a peer.
	TypeRemote Type = "remote"
	// TypeReplicaSet marks a directory managed as a full replica set.
	TypeReplicaSet Type = "replica_set"
)

// Config is the persisted identity of one shard directory.
type Config struct {
	Type Type           `json:"type"`
	Peer cluster.PeerID `json:"peer_id,omitempty"`
}

// SaveConfig writes the config into dir.
func SaveConfig(dir string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode shard config")
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0o644); err != nil {
		return errors.Wrap(err, "write shard config")
	}
	return nil
}

// LoadConfig reads the config from dir. Returns (nil, nil) when the directory
// carries no config, which restore treats as a missing shard.
func LoadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read shard config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode shard config")
	}
	return &cfg, nil
}
