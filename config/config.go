// Package config holds the tunables of an emulated controller.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Arbitration struct {
	// Burst is the AB field: an urgent queue may run 2^Burst commands per round.
	Burst  uint8 `yaml:"burst"`
	Low    uint8 `yaml:"low_weight"`
	Medium uint8 `yaml:"medium_weight"`
	High   uint8 `yaml:"high_weight"`
}

type Namespace struct {
	Blocks   uint64 `yaml:"blocks"`
	LBAShift uint8  `yaml:"lba_shift"`
	MetaSize uint16 `yaml:"meta_size"`
	// PIType is the DPS protection type, 0 when protection information is off.
	PIType uint8 `yaml:"pi_type"`
}

type Config struct {
	PageSize     uint32 `yaml:"page_size"`
	MDTS         uint8  `yaml:"mdts"`
	DBStride     uint8  `yaml:"db_stride"`
	NumIOQueues  uint16 `yaml:"io_queues"`
	MaxQEntries  uint16 `yaml:"max_queue_entries"`
	SQEntrySize  uint16 `yaml:"sq_entry_size"`
	CQEntrySize  uint16 `yaml:"cq_entry_size"`
	ErrorLogSize int    `yaml:"error_log_entries"`

	Arbitration Arbitration `yaml:"arbitration"`

	Directives bool   `yaml:"directives"`
	MaxStreams uint16 `yaml:"max_streams"`

	// OpenChannel tolerates PRACT on namespaces without protection
	// information instead of failing the command.
	OpenChannel bool `yaml:"open_channel"`

	Model     string `yaml:"model"`
	Serial    string `yaml:"serial"`
	NQNPrefix string `yaml:"nqn_prefix"`

	Namespaces []Namespace `yaml:"namespaces"`
}

func Default() *Config {
	return &Config{
		PageSize:     4096,
		MDTS:         5,
		DBStride:     0,
		NumIOQueues:  8,
		MaxQEntries:  2048,
		SQEntrySize:  64,
		CQEntrySize:  16,
		ErrorLogSize: 64,
		Arbitration: Arbitration{
			Burst: 3,
		},
		Directives: true,
		MaxStreams: 8,
		Model:      "nvmeq controller",
		Serial:     "nvmeq-",
		NQNPrefix:  "nqn.2024-03.io.lab47.nvmeq",
		Namespaces: []Namespace{
			{Blocks: 1 << 20, LBAShift: 9},
		},
	}
}

// Parse overlays YAML data onto the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding controller config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %s", path)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PageSize < 4096 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size %d must be a power of two >= 4096", c.PageSize)
	}

	if c.SQEntrySize < 64 || c.SQEntrySize&(c.SQEntrySize-1) != 0 {
		return fmt.Errorf("sq_entry_size %d must be a power of two >= 64", c.SQEntrySize)
	}

	if c.CQEntrySize < 16 || c.CQEntrySize&(c.CQEntrySize-1) != 0 {
		return fmt.Errorf("cq_entry_size %d must be a power of two >= 16", c.CQEntrySize)
	}

	if c.MaxQEntries < 2 {
		return fmt.Errorf("max_queue_entries %d must be at least 2", c.MaxQEntries)
	}

	if c.ErrorLogSize < 1 {
		return fmt.Errorf("error_log_entries must be at least 1")
	}

	if c.DBStride > 15 {
		return fmt.Errorf("db_stride %d out of range", c.DBStride)
	}

	if c.Arbitration.Burst > 7 {
		return fmt.Errorf("arbitration burst %d out of range", c.Arbitration.Burst)
	}

	if len(c.Namespaces) == 0 {
		return fmt.Errorf("at least one namespace is required")
	}

	for i, ns := range c.Namespaces {
		if ns.Blocks == 0 {
			return fmt.Errorf("namespace %d has no blocks", i+1)
		}

		if ns.LBAShift < 9 || ns.LBAShift > 16 {
			return fmt.Errorf("namespace %d lba_shift %d out of range", i+1, ns.LBAShift)
		}

		if ns.PIType > 3 {
			return fmt.Errorf("namespace %d pi_type %d out of range", i+1, ns.PIType)
		}
	}

	return nil
}
