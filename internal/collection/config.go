package collection

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/shard"
)

// ConfigFileName persists the collection config in the collection directory.
const ConfigFileName = "config.json"

// Params are the structural parameters of a collection. ShardNumber is fixed
// at creation; re-sharding is not supported.
type Params struct {
	Vectors                map[string]shard.VectorParams `json:"vectors"`
	ShardNumber            uint32                        `json:"shard_number"`
	ReplicationFactor      uint32                        `json:"replication_factor"`
	WriteConsistencyFactor uint32                        `json:"write_consistency_factor"`
	OnDiskPayload          bool                          `json:"on_disk_payload"`
}

// GetVectorParams resolves a vector field by name.
func (p Params) GetVectorParams(name string) (shard.VectorParams, error) {
	params, ok := p.Vectors[name]
	if !ok {
		return shard.VectorParams{}, cluster.NewBadInput("unknown vector field %q", name)
	}
	return params, nil
}

// HNSWConfig tunes the vector index; opaque to the coordinator, persisted
// and forwarded to the storage engine.
type HNSWConfig struct {
	M                int  `json:"m"`
	EfConstruct      int  `json:"ef_construct"`
	FullScanThreshold int `json:"full_scan_threshold"`
	OnDisk           bool `json:"on_disk,omitempty"`
}

// OptimizerConfig tunes segment optimization.
type OptimizerConfig struct {
	DeletedThreshold      float64 `json:"deleted_threshold"`
	VacuumMinVectorNumber int     `json:"vacuum_min_vector_number"`
	DefaultSegmentNumber  int     `json:"default_segment_number"`
	FlushIntervalSec      int     `json:"flush_interval_sec"`
}

// WALConfig tunes the write-ahead log.
type WALConfig struct {
	WALCapacityMB   int `json:"wal_capacity_mb"`
	WALSegmentsAhead int `json:"wal_segments_ahead"`
}

// QuantizationKind tags a quantization configuration variant.
type QuantizationKind string

const (
	QuantizationScalar   QuantizationKind = "scalar"
	QuantizationProduct  QuantizationKind = "product"
	QuantizationBinary   QuantizationKind = "binary"
	QuantizationDisabled QuantizationKind = "disabled"
)

// QuantizationConfig is a tagged quantization setting. Nil means none
// configured.
type QuantizationConfig struct {
	Kind     QuantizationKind `json:"kind"`
	Quantile float64          `json:"quantile,omitempty"`
	Bits     int              `json:"bits,omitempty"`
}

// Config is the persisted configuration of a collection.
type Config struct {
	Quantization *QuantizationConfig `json:"quantization_config,omitempty"`
	Params       Params              `json:"params"`
	HNSW         HNSWConfig          `json:"hnsw_config"`
	Optimizer    OptimizerConfig     `json:"optimizer_config"`
	WAL          WALConfig           `json:"wal_config"`
}

// Validate checks the config is usable before a collection is built from it.
func (c Config) Validate() error {
	if c.Params.ShardNumber == 0 {
		return cluster.NewBadInput("shard_number must be at least 1")
	}
	if len(c.Params.Vectors) == 0 {
		return cluster.NewBadInput("collection must configure at least one vector field")
	}
	for name, params := range c.Params.Vectors {
		if params.Size == 0 {
			return cluster.NewBadInput("vector field %q must have a non-zero size", name)
		}
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.Params.Vectors = make(map[string]shard.VectorParams, len(c.Params.Vectors))
	for name, params := range c.Params.Vectors {
		out.Params.Vectors[name] = params
	}
	if c.Quantization != nil {
		q := *c.Quantization
		out.Quantization = &q
	}
	return out
}

// Save persists the config into dir.
func (c Config) Save(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode collection config")
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0o644); err != nil {
		return errors.Wrap(err, "write collection config")
	}
	return nil
}

// LoadConfig reads a persisted config from dir.
func LoadConfig(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return Config{}, errors.Wrap(err, "read collection config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode collection config")
	}
	return cfg, nil
}

// ParamsDiff is a partial update of Params. Only replication knobs may
// change after creation.
type ParamsDiff struct {
	ReplicationFactor      *uint32 `json:"replication_factor,omitempty"`
	WriteConsistencyFactor *uint32 `json:"write_consistency_factor,omitempty"`
}

// Apply merges the diff into params.
func (d ParamsDiff) Apply(params Params) Params {
	if d.ReplicationFactor != nil {
		params.ReplicationFactor = *d.ReplicationFactor
	}
	if d.WriteConsistencyFactor != nil {
		params.WriteConsistencyFactor = *d.WriteConsistencyFactor
	}
	return params
}

// HNSWConfigDiff is a partial update of HNSWConfig.
type HNSWConfigDiff struct {
	M                *int  `json:"m,omitempty"`
	EfConstruct      *int  `json:"ef_construct,omitempty"`
	FullScanThreshold *int `json:"full_scan_threshold,omitempty"`
	OnDisk           *bool `json:"on_disk,omitempty"`
}

// Apply merges the diff into cfg.
func (d HNSWConfigDiff) Apply(cfg HNSWConfig) HNSWConfig {
	if d.M != nil {
		cfg.M = *d.M
	}
	if d.EfConstruct != nil {
		cfg.EfConstruct = *d.EfConstruct
	}
	if d.FullScanThreshold != nil {
		cfg.FullScanThreshold = *d.FullScanThreshold
	}
	if d.OnDisk != nil {
		cfg.OnDisk = *d.OnDisk
	}
	return cfg
}

// OptimizerConfigDiff is a partial update of OptimizerConfig.
type OptimizerConfigDiff struct {
	DeletedThreshold      *float64 `json:"deleted_threshold,omitempty"`
	VacuumMinVectorNumber *int     `json:"vacuum_min_vector_number,omitempty"`
	DefaultSegmentNumber  *int     `json:"default_segment_number,omitempty"`
	FlushIntervalSec      *int     `json:"flush_interval_sec,omitempty"`
}

// Apply merges the diff into cfg.
func (d OptimizerConfigDiff) Apply(cfg OptimizerConfig) OptimizerConfig {
	if d.DeletedThreshold != nil {
		cfg.DeletedThreshold = *d.DeletedThreshold
	}
	if d.VacuumMinVectorNumber != nil {
		cfg.VacuumMinVectorNumber = *d.VacuumMinVectorNumber
	}
	if d.DefaultSegmentNumber != nil {
		cfg.DefaultSegmentNumber = *d.DefaultSegmentNumber
	}
	if d.FlushIntervalSec != nil {
		cfg.FlushIntervalSec = *d.FlushIntervalSec
	}
	return cfg
}

// QuantizationConfigDiff is a tagged quantization update: one of the variant
// configs, or Disabled to clear the setting.
type QuantizationConfigDiff struct {
	Scalar   *QuantizationConfig `json:"scalar,omitempty"`
	Product  *QuantizationConfig `json:"product,omitempty"`
	Binary   *QuantizationConfig `json:"binary,omitempty"`
	Disabled bool                `json:"disabled,omitempty"`
}

// Apply resolves the diff against the current setting.
func (d QuantizationConfigDiff) Apply(current *QuantizationConfig) (*QuantizationConfig, error) {
	switch {
	case d.Disabled:
		return nil, nil
	case d.Scalar != nil:
		cfg := *d.Scalar
		cfg.Kind = QuantizationScalar
		return &cfg, nil
	case d.Product != nil:
		cfg := *d.Product
		cfg.Kind = QuantizationProduct
		return &cfg, nil
	case d.Binary != nil:
		cfg := *d.Binary
		cfg.Kind = QuantizationBinary
		return &cfg, nil
	default:
		return current, cluster.NewBadRequest("empty quantization config diff")
	}
}

// VectorsDiff is a partial update of per-field vector parameters that does
// not change vector sizes.
type VectorsDiff struct {
	// OnDiskByField overrides are accepted as storage-engine hints;
	// UpdateVectorsFromDiff does not apply them to the persisted config.
	OnDiskByField map[string]bool `json:"on_disk,omitempty"`
}
