package broker

import (
	"io"
	"math"
	"slices"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/diwise/odata-broker/pkg/odata/types"
)

type Box struct {
	Name  string   `yaml:"name"`
	Nodes []string `yaml:"nodes"`
}

// Cell is the top level partition. All mutations within a cell are serialized.
type Cell struct {
	Name  string `yaml:"name"`
	Boxes []Box  `yaml:"boxes"`
}

type StoreConfig struct {
	// Path of the data directory, an empty path keeps everything in memory
	Path      string  `yaml:"path"`
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

type LockingConfig struct {
	Backend       string        `yaml:"backend"`
	Endpoints     []string      `yaml:"endpoints"`
	DSN           string        `yaml:"dsn"`
	TTL           time.Duration `yaml:"ttl"`
	Retries       uint          `yaml:"retries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

type BatchConfig struct {
	MaxParts      int           `yaml:"maxParts"`
	Timeout       time.Duration `yaml:"timeout"`
	YieldInterval time.Duration `yaml:"yieldInterval"`
	ReadOnly      bool          `yaml:"readOnly"`
}

type QueryConfig struct {
	DefaultTop       int   `yaml:"defaultTop"`
	MaxTop           int   `yaml:"maxTop"`
	MaxTopWithExpand int   `yaml:"maxTopWithExpand"`
	MaxSkip          int   `yaml:"maxSkip"`
	MinDateTime      int64 `yaml:"minDateTime"`
	MaxDateTime      int64 `yaml:"maxDateTime"`
}

type StorageConfig struct {
	MaxLinks     int `yaml:"maxLinks"`
	MaxExpanded  int `yaml:"maxExpanded"`
	TypeCacheLen int `yaml:"typeCacheSize"`
}

type NotifierConfig struct {
	Endpoint string `yaml:"endpoint"`
	// EntitySets limits notifications to the listed sets, all sets are notified when empty
	EntitySets []string `yaml:"entitySets"`
}

type Config struct {
	Cells    []Cell         `yaml:"cells"`
	Store    StoreConfig    `yaml:"store"`
	Locking  LockingConfig  `yaml:"locking"`
	Batch    BatchConfig    `yaml:"batch"`
	Query    QueryConfig    `yaml:"query"`
	Storage  StorageConfig  `yaml:"storage"`
	Notifier NotifierConfig `yaml:"notifier"`
}

func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			RateLimit: math.Inf(1),
			Burst:     1,
		},
		Locking: LockingConfig{
			Backend:       "local",
			TTL:           10 * time.Second,
			Retries:       50,
			RetryInterval: 100 * time.Millisecond,
		},
		Batch: BatchConfig{
			MaxParts:      1000,
			Timeout:       270 * time.Second,
			YieldInterval: 50 * time.Millisecond,
		},
		Query: QueryConfig{
			DefaultTop:       25,
			MaxTop:           5000,
			MaxTopWithExpand: 100,
			MaxSkip:          100000,
			// 1753-01-01T00:00:00Z to 9999-12-31T23:59:59.999Z
			MinDateTime: -6847804800000,
			MaxDateTime: 253402300799999,
		},
		Storage: StorageConfig{
			MaxLinks:     10000,
			MaxExpanded:  2,
			TypeCacheLen: 1024,
		},
	}
}

// Allows reports whether a partition is served. An empty cell list serves everything.
func (cfg *Config) Allows(cell, box, node string) bool {
	if len(cfg.Cells) == 0 {
		return true
	}

	for _, c := range cfg.Cells {
		if c.Name != cell {
			continue
		}
		for _, b := range c.Boxes {
			if b.Name == box && (len(b.Nodes) == 0 || slices.Contains(b.Nodes, node)) {
				return true
			}
		}
	}

	return false
}

// Partitions lists the partitions spelled out by the configuration. Boxes that serve
// any node can not be enumerated and are left out.
func (cfg *Config) Partitions() []types.Partition {
	partitions := []types.Partition{}

	for _, c := range cfg.Cells {
		for _, b := range c.Boxes {
			for _, n := range b.Nodes {
				partitions = append(partitions, types.Partition{Cell: c.Name, Box: b.Name, Node: n})
			}
		}
	}

	return partitions
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	err = yaml.Unmarshal(buf, cfg)

	return cfg, err
}
