package cbt

import "github.com/pkg/errors"

// Config holds the engine's construction-time knobs. There is no
// persisted configuration file; a Config is built by the owning server
// shell and validated once at construction, before anything else trusts
// its values.
type Config struct {
	// FanoutB is the maximum number of children per non-leaf node before a
	// split is triggered. Default: 8.
	FanoutB int

	// BufferMax is the hard per-buffer element cap (B_max).
	BufferMax int
	// BufferThreshold is the fullness watermark (B_threshold); a buffer
	// with more than this many elements is considered full.
	BufferThreshold int

	// EmptyRootPoolSize is the number of pre-allocated empty root buffers
	// the ingest thread can rotate through. Default: 4.
	EmptyRootPoolSize int

	// SortWorkers, MergeWorkers, EmptyWorkers size the three worker pools.
	// Defaults: 2, 4, 4.
	SortWorkers  int
	MergeWorkers int
	EmptyWorkers int

	// Merge folds two records sharing a key into one. Defaults to
	// SumMerge when left nil.
	Merge MergeFunc

	// UseOffload routes sort/aggregate through Offload when non-nil.
	UseOffload bool
	Offload    OffloadDevice
}

// DefaultConfig returns the standard deployment defaults: b=8, 16M/8M
// buffer cap/threshold, 4 empty roots, 2/4/4 worker pools.
func DefaultConfig() Config {
	return Config{
		FanoutB:           8,
		BufferMax:         16_000_000,
		BufferThreshold:   8_000_000,
		EmptyRootPoolSize: 4,
		SortWorkers:       2,
		MergeWorkers:      4,
		EmptyWorkers:      4,
		Merge:             SumMerge,
	}
}

// Validate rejects values that would corrupt or wedge the engine: a zero
// or negative fanout/buffer size, a threshold above its cap, or a worker
// pool sized to zero (which would deadlock the pipeline rather than merely
// run slowly).
func (c *Config) Validate() error {
	if c.FanoutB < 2 {
		return errors.Errorf("cbt: config: fanout b must be >= 2, got %d", c.FanoutB)
	}
	if c.BufferMax <= 0 {
		return errors.Errorf("cbt: config: buffer max must be positive, got %d", c.BufferMax)
	}
	if c.BufferThreshold <= 0 || c.BufferThreshold > c.BufferMax {
		return errors.Errorf("cbt: config: buffer threshold %d must be in (0, %d]",
			c.BufferThreshold, c.BufferMax)
	}
	if c.EmptyRootPoolSize < 1 {
		return errors.Errorf("cbt: config: empty root pool size must be >= 1, got %d", c.EmptyRootPoolSize)
	}
	if c.SortWorkers < 1 || c.MergeWorkers < 1 || c.EmptyWorkers < 1 {
		return errors.Errorf("cbt: config: worker pool sizes must all be >= 1, got sort=%d merge=%d empty=%d",
			c.SortWorkers, c.MergeWorkers, c.EmptyWorkers)
	}
	if c.Merge == nil {
		c.Merge = SumMerge
	}
	return nil
}
