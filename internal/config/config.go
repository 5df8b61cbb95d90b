package config

import "fmt"

// PrecisionMode selects the compute precision for the logit projection and
// gradient assembly. Auto follows the feature tensor's native precision.
type PrecisionMode int

const (
	PrecisionAuto PrecisionMode = iota
	PrecisionF32
	PrecisionF16
)

func (p PrecisionMode) String() string {
	switch p {
	case PrecisionF32:
		return "f32"
	case PrecisionF16:
		return "f16"
	default:
		return "auto"
	}
}

const (
	ReductionMean = "mean"
	ReductionSum  = "sum"
)

// DefaultIgnoreIndex is the conventional sentinel for tokens excluded from
// the loss.
const DefaultIgnoreIndex = -100

// Config controls the fused cross-entropy engine.
type Config struct {
	// Enabled selects the fused chunked path; when false callers fall back
	// to the unfused two-pass loss.
	Enabled bool

	// ChunkCount is the number of equal token chunks processed
	// sequentially. The token count must be evenly divisible by it.
	ChunkCount int

	// IgnoreIndex marks labels excluded from loss and gradient.
	IgnoreIndex int

	// Reduction is "mean" or "sum".
	Reduction string

	Precision PrecisionMode

	// DebugStats enables per-chunk loss/gradient statistics, which cost an
	// extra pass over the gradient accumulators.
	DebugStats bool
}

func (c *Config) Validate() error {
	if c.ChunkCount <= 0 {
		return fmt.Errorf("invalid chunk_count: %d (must be positive)", c.ChunkCount)
	}
	if c.Reduction != ReductionMean && c.Reduction != ReductionSum {
		return fmt.Errorf("invalid reduction: %q (must be %q or %q)", c.Reduction, ReductionMean, ReductionSum)
	}
	switch c.Precision {
	case PrecisionAuto, PrecisionF32, PrecisionF16:
	default:
		return fmt.Errorf("invalid precision mode: %d", c.Precision)
	}
	return nil
}

func Default() Config {
	return Config{
		Enabled:     true,
		ChunkCount:  1,
		IgnoreIndex: DefaultIgnoreIndex,
		Reduction:   ReductionMean,
		Precision:   PrecisionAuto,
	}
}
