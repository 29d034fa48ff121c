package fetch

import "fmt"

// Config holds the fetch stage parameters.
type Config struct {
	// FetchWidth is the most instructions fetched per cycle, over all
	// threads.
	FetchWidth int
	// NumThreads is the number of hardware threads.
	NumThreads int
	// NumFetchingThreads is the number of fetch slots handed out per cycle.
	NumFetchingThreads int
	// Policy picks the thread for each fetch slot.
	Policy Policy

	// The *ToFetchDelay fields are how many cycles a later stage's signals
	// take to reach fetch.
	DecodeToFetchDelay int
	RenameToFetchDelay int
	IEWToFetchDelay    int
	CommitToFetchDelay int

	// QueueSize is the capacity of the fetch-to-decode queue.
	QueueSize int

	// FullSystem delivers fetch faults as traps. Without it a fetch fault
	// ends the simulation.
	FullSystem bool

	// StrictChecks panics on inter-stage protocol violations instead of
	// logging them.
	StrictChecks bool
}

// DefaultConfig returns a single-thread, 8-wide configuration.
func DefaultConfig() Config {
	return Config{
		FetchWidth:         8,
		NumThreads:         1,
		NumFetchingThreads: 1,
		Policy:             SingleThread,
		DecodeToFetchDelay: 1,
		RenameToFetchDelay: 1,
		IEWToFetchDelay:    1,
		CommitToFetchDelay: 1,
		QueueSize:          16,
		FullSystem:         true,
	}
}

// MaxDelay returns the largest of the four signal delays.
func (c Config) MaxDelay() int {
	return max(c.DecodeToFetchDelay, c.RenameToFetchDelay,
		c.IEWToFetchDelay, c.CommitToFetchDelay)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FetchWidth <= 0 {
		return fmt.Errorf("fetch width must be positive, got %d", c.FetchWidth)
	}

	if c.NumThreads <= 0 {
		return fmt.Errorf("thread count must be positive, got %d", c.NumThreads)
	}

	if c.NumFetchingThreads <= 0 || c.NumFetchingThreads > c.NumThreads {
		return fmt.Errorf("fetching threads must be in [1, %d], got %d",
			c.NumThreads, c.NumFetchingThreads)
	}

	if c.Policy < SingleThread || c.Policy > LSQCount {
		return fmt.Errorf("%w: %d", ErrUnknownPolicy, int(c.Policy))
	}

	delays := map[string]int{
		"decode": c.DecodeToFetchDelay,
		"rename": c.RenameToFetchDelay,
		"iew":    c.IEWToFetchDelay,
		"commit": c.CommitToFetchDelay,
	}
	for stage, d := range delays {
		if d < 0 {
			return fmt.Errorf("%s to fetch delay must not be negative, got %d",
				stage, d)
		}
	}

	if c.QueueSize < c.FetchWidth {
		return fmt.Errorf("fetch queue size %d is smaller than fetch width %d",
			c.QueueSize, c.FetchWidth)
	}

	return nil
}
