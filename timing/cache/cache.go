// Package cache provides a non-blocking L1 instruction cache modeled with
// Akita cache components.
package cache

import (
	"errors"
	"log/slog"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/smtfetch/timing/fetch"
)

// ErrNoMSHR is returned when a miss cannot be tracked because every MSHR
// entry is in use.
var ErrNoMSHR = errors.New("no free MSHR entry")

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int
	// Associativity (number of ways)
	Associativity int
	// BlockSize in bytes (cache line size)
	BlockSize int
	// MissLatency in cycles (includes memory access time)
	MissLatency int
	// NumMSHREntry is the number of misses that can be outstanding at once.
	NumMSHREntry int
}

// DefaultL1IConfig returns default configuration for L1 instruction cache.
// Based on Apple M2 specifications:
// - 192KB per performance core (6-way, 64B line)
// - 128KB per efficiency core (4-way, 64B line)
func DefaultL1IConfig() Config {
	return Config{
		Size:          192 * 1024, // 192KB
		Associativity: 6,          // 6-way
		BlockSize:     64,         // 64B cache line
		MissLatency:   12,         // ~12 cycles to L2
		NumMSHREntry:  4,
	}
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Accesses  uint64
	Hits      uint64
	Misses    uint64
	MSHRHits  uint64
	NoMSHR    uint64
	Fills     uint64
	Evictions uint64
}

// HitRate returns the fraction of accesses that hit.
func (s Statistics) HitRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Accesses)
}

// BackingStore interface for the next level in the memory hierarchy.
type BackingStore interface {
	// Read fetches data from the backing store.
	Read(addr uint64, size int) []byte
}

// fillEvent brings a missed line into the cache.
type fillEvent struct {
	*sim.EventBase
	lineAddr uint64
}

// InstCache is a physically tagged, read-only L1 instruction cache. Hits
// return data right away. Misses allocate an MSHR entry and complete
// MissLatency cycles later through an event on the simulation engine.
// Misses to a line that is already being filled merge into its entry.
type InstCache struct {
	name   string
	engine sim.Engine
	freq   sim.Freq
	config Config
	logger *slog.Logger

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl
	mshr      akitacache.MSHR

	// Data storage - indexed by (setID * associativity + wayID)
	dataStore [][]byte

	backing BackingStore
	stats   Statistics
}

var _ fetch.InstMemory = (*InstCache)(nil)

// NewInstCache creates an instruction cache.
func NewInstCache(
	name string,
	engine sim.Engine,
	freq sim.Freq,
	config Config,
	backing BackingStore,
) *InstCache {
	sim.NameMustBeValid(name)

	numSets := config.Size / (config.Associativity * config.BlockSize)
	totalBlocks := numSets * config.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	return &InstCache{
		name:   name,
		engine: engine,
		freq:   freq,
		config: config,
		logger: slog.Default(),
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		mshr:      akitacache.NewMSHR(config.NumMSHREntry),
		dataStore: dataStore,
		backing:   backing,
	}
}

// WithLogger sets the logger and returns the cache.
func (c *InstCache) WithLogger(logger *slog.Logger) *InstCache {
	c.logger = logger
	return c
}

// Name returns the name of the cache.
func (c *InstCache) Name() string {
	return c.name
}

// Config returns the cache configuration.
func (c *InstCache) Config() Config {
	return c.config
}

// BlockSize returns the line size in bytes.
func (c *InstCache) BlockSize() int {
	return c.config.BlockSize
}

// Stats returns cache statistics.
func (c *InstCache) Stats() Statistics {
	return c.stats
}

func (c *InstCache) lineAddr(addr uint64) uint64 {
	return addr / uint64(c.config.BlockSize) * uint64(c.config.BlockSize)
}

func (c *InstCache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

// Access reads the line holding req.PAddr.
func (c *InstCache) Access(req *fetch.MemRequest) fetch.AccessResult {
	c.stats.Accesses++

	lineAddr := c.lineAddr(req.PAddr)

	if entry := c.mshr.Query(0, lineAddr); entry != nil {
		c.stats.MSHRHits++
		entry.Requests = append(entry.Requests, req)

		return fetch.AccessResult{Status: fetch.AccessMiss}
	}

	block := c.directory.Lookup(0, lineAddr)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)

		data := make([]byte, c.config.BlockSize)
		copy(data, c.dataStore[c.blockIndex(block)])

		return fetch.AccessResult{Status: fetch.AccessHit, Data: data}
	}

	entry, err := c.reserveMSHR(lineAddr)
	if err != nil {
		c.stats.NoMSHR++
		return fetch.AccessResult{Status: fetch.AccessBlocked}
	}

	c.stats.Misses++
	entry.Requests = append(entry.Requests, req)

	now := c.engine.CurrentTime()
	c.engine.Schedule(&fillEvent{
		EventBase: sim.NewEventBase(
			c.freq.NCyclesLater(c.config.MissLatency, now), c),
		lineAddr: lineAddr,
	})

	c.logger.Debug("icache miss", "cache", c.name, "line", lineAddr)

	return fetch.AccessResult{Status: fetch.AccessMiss}
}

func (c *InstCache) reserveMSHR(lineAddr uint64) (*akitacache.MSHREntry, error) {
	if c.mshr.IsFull() {
		return nil, ErrNoMSHR
	}

	return c.mshr.Add(0, lineAddr), nil
}

// Handle processes the cache's own fill events.
func (c *InstCache) Handle(e sim.Event) error {
	switch e := e.(type) {
	case *fillEvent:
		c.fill(e.lineAddr)
	default:
		c.logger.Warn("unexpected event", "cache", c.name, "event", e)
	}

	return nil
}

func (c *InstCache) fill(lineAddr uint64) {
	victim := c.directory.FindVictim(lineAddr)
	victimData := c.dataStore[c.blockIndex(victim)]

	if victim.IsValid {
		c.stats.Evictions++
	}

	if c.backing != nil {
		copy(victimData, c.backing.Read(lineAddr, c.config.BlockSize))
	} else {
		clear(victimData)
	}

	victim.Tag = lineAddr
	victim.PID = 0
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)
	c.stats.Fills++

	entry := c.mshr.Query(0, lineAddr)
	c.mshr.Remove(0, lineAddr)

	if entry == nil {
		return
	}

	for _, r := range entry.Requests {
		req := r.(*fetch.MemRequest)
		req.Data = make([]byte, c.config.BlockSize)
		copy(req.Data, victimData)

		if req.Handler != nil {
			req.Handler.ProcessCacheCompletion(req)
		}
	}
}

// Invalidate marks the line holding addr as invalid. A fill already in
// flight for that line is not affected.
func (c *InstCache) Invalidate(addr uint64) {
	block := c.directory.Lookup(0, c.lineAddr(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
	}
}

// Reset invalidates all cache lines and clears statistics. Outstanding
// misses are dropped.
func (c *InstCache) Reset() {
	c.directory.Reset()
	c.mshr.Reset()
	c.stats = Statistics{}
}
