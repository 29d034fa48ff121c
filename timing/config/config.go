// Package config holds the JSON configuration of the SMT fetch simulator.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/smtfetch/timing/bpred"
	"github.com/sarchlab/smtfetch/timing/cache"
	"github.com/sarchlab/smtfetch/timing/fetch"
)

// Config holds every tunable of the simulated core.
type Config struct {
	// FetchWidth is the most instructions fetched per cycle. Default: 8.
	FetchWidth int `json:"fetch_width"`

	// SMTFetchPolicy names the thread arbitration policy: SingleThread,
	// RoundRobin, Branch, IQCount (IQ) or LSQCount (LSQ).
	SMTFetchPolicy string `json:"smt_fetch_policy"`

	// NumThreads is the number of hardware threads. Default: 1.
	NumThreads int `json:"num_threads"`

	// NumFetchingThreads is the number of threads that may fetch in one
	// cycle. Default: 1.
	NumFetchingThreads int `json:"num_fetching_threads"`

	DecodeToFetchDelay int `json:"decode_to_fetch_delay"`
	RenameToFetchDelay int `json:"rename_to_fetch_delay"`
	IEWToFetchDelay    int `json:"iew_to_fetch_delay"`
	CommitToFetchDelay int `json:"commit_to_fetch_delay"`

	// FetchQueueSize is the capacity of the fetch-to-decode queue.
	// Default: 2 * FetchWidth.
	FetchQueueSize int `json:"fetch_queue_size"`

	// FullSystem delivers fetch faults as traps to TrapVector.
	FullSystem bool `json:"full_system"`

	// StrictChecks panics on inter-stage protocol violations.
	StrictChecks bool `json:"strict_checks"`

	ICacheSize        int `json:"icache_size"`
	ICacheAssoc       int `json:"icache_assoc"`
	ICacheBlockSize   int `json:"icache_block_size"`
	ICacheHitLatency  int `json:"icache_hit_latency"`
	ICacheMissLatency int `json:"icache_miss_latency"`
	ICacheMSHRs       int `json:"icache_mshrs"`

	BHTSize uint32 `json:"bht_size"`
	BTBSize uint32 `json:"btb_size"`

	Log2PageSize uint64 `json:"log2_page_size"`

	// FreqGHz is the core clock. Default: 3.5.
	FreqGHz float64 `json:"freq_ghz"`

	// CommitLatency is how many cycles after fetch an instruction commits
	// in the backend model. Default: 10.
	CommitLatency int `json:"commit_latency"`

	// TrapVector is where a thread resumes after a fetch fault.
	TrapVector uint64 `json:"trap_vector"`

	// QuiesceWakeCycles is how long a quiesced thread sleeps before the
	// backend wakes it. Zero means never.
	QuiesceWakeCycles int `json:"quiesce_wake_cycles"`
}

// DefaultConfig returns a single-thread configuration.
func DefaultConfig() *Config {
	l1i := cache.DefaultL1IConfig()
	bp := bpred.DefaultConfig()

	return &Config{
		FetchWidth:         8,
		SMTFetchPolicy:     "SingleThread",
		NumThreads:         1,
		NumFetchingThreads: 1,
		DecodeToFetchDelay: 1,
		RenameToFetchDelay: 1,
		IEWToFetchDelay:    1,
		CommitToFetchDelay: 1,
		FetchQueueSize:     16,
		FullSystem:         true,
		ICacheSize:         l1i.Size,
		ICacheAssoc:        l1i.Associativity,
		ICacheBlockSize:    l1i.BlockSize,
		ICacheHitLatency:   1,
		ICacheMissLatency:  l1i.MissLatency,
		ICacheMSHRs:        l1i.NumMSHREntry,
		BHTSize:            bp.BHTSize,
		BTBSize:            bp.BTBSize,
		Log2PageSize:       12,
		FreqGHz:            3.5,
		CommitLatency:      10,
		TrapVector:         0x400,
		QuiesceWakeCycles:  100,
	}
}

// LoadConfig loads a Config from a JSON file. Options missing from the file
// keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the options that no single component checks itself.
func (c *Config) Validate() error {
	if _, err := c.FetchConfig(); err != nil {
		return err
	}

	if c.ICacheBlockSize <= 0 || c.ICacheBlockSize&(c.ICacheBlockSize-1) != 0 {
		return fmt.Errorf("icache_block_size must be a power of 2")
	}
	if c.ICacheAssoc <= 0 {
		return fmt.Errorf("icache_assoc must be > 0")
	}
	if c.ICacheSize < c.ICacheAssoc*c.ICacheBlockSize ||
		c.ICacheSize%(c.ICacheAssoc*c.ICacheBlockSize) != 0 {
		return fmt.Errorf("icache_size must be a multiple of " +
			"icache_assoc * icache_block_size")
	}
	if c.ICacheHitLatency != 1 {
		return fmt.Errorf("icache_hit_latency must be 1")
	}
	if c.ICacheMissLatency <= 0 {
		return fmt.Errorf("icache_miss_latency must be > 0")
	}
	if c.ICacheMSHRs <= 0 {
		return fmt.Errorf("icache_mshrs must be > 0")
	}
	if c.BHTSize == 0 || c.BHTSize&(c.BHTSize-1) != 0 {
		return fmt.Errorf("bht_size must be a power of 2")
	}
	if c.BTBSize == 0 || c.BTBSize&(c.BTBSize-1) != 0 {
		return fmt.Errorf("btb_size must be a power of 2")
	}
	if uint64(1)<<c.Log2PageSize < uint64(c.ICacheBlockSize) {
		return fmt.Errorf("pages must be at least one icache block")
	}
	if c.FreqGHz <= 0 {
		return fmt.Errorf("freq_ghz must be > 0")
	}
	if c.CommitLatency <= 0 {
		return fmt.Errorf("commit_latency must be > 0")
	}
	if c.QuiesceWakeCycles < 0 {
		return fmt.Errorf("quiesce_wake_cycles must be >= 0")
	}

	return nil
}

// FetchConfig converts the options of the fetch stage.
func (c *Config) FetchConfig() (fetch.Config, error) {
	policy, err := fetch.ParsePolicy(c.SMTFetchPolicy)
	if err != nil {
		return fetch.Config{}, err
	}

	fc := fetch.Config{
		FetchWidth:         c.FetchWidth,
		NumThreads:         c.NumThreads,
		NumFetchingThreads: c.NumFetchingThreads,
		Policy:             policy,
		DecodeToFetchDelay: c.DecodeToFetchDelay,
		RenameToFetchDelay: c.RenameToFetchDelay,
		IEWToFetchDelay:    c.IEWToFetchDelay,
		CommitToFetchDelay: c.CommitToFetchDelay,
		QueueSize:          c.FetchQueueSize,
		FullSystem:         c.FullSystem,
		StrictChecks:       c.StrictChecks,
	}

	if err := fc.Validate(); err != nil {
		return fetch.Config{}, err
	}

	return fc, nil
}

// ICacheConfig converts the options of the instruction cache.
func (c *Config) ICacheConfig() cache.Config {
	return cache.Config{
		Size:          c.ICacheSize,
		Associativity: c.ICacheAssoc,
		BlockSize:     c.ICacheBlockSize,
		MissLatency:   c.ICacheMissLatency,
		NumMSHREntry:  c.ICacheMSHRs,
	}
}

// BranchPredictorConfig converts the options of the branch predictor.
func (c *Config) BranchPredictorConfig() bpred.Config {
	return bpred.Config{
		BHTSize: c.BHTSize,
		BTBSize: c.BTBSize,
	}
}

// Freq returns the core clock.
func (c *Config) Freq() sim.Freq {
	return sim.Freq(c.FreqGHz) * sim.GHz
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
