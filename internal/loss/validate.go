package loss

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// validateInputs runs every configuration check before any kernel work, so
// a bad call fails fast with no partial computation.
func validateInputs(feat, weight *cpu.Tensor, labels []int32, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("forward", "config")
		return err
	}
	if len(feat.Dims()) != 3 {
		metrics.RecordValidationError("forward", "rank")
		return fmt.Errorf("feature tensor must be rank 3 (batch, seq, hidden), got dims %v", feat.Dims())
	}
	if len(weight.Dims()) != 2 {
		metrics.RecordValidationError("forward", "rank")
		return fmt.Errorf("projection weight must be rank 2 (vocab, hidden), got dims %v", weight.Dims())
	}

	dims := feat.Dims()
	batch, seq, hidden := dims[0], dims[1], dims[2]
	vocab := weight.Dims()[0]

	if weight.Dims()[1] != hidden {
		metrics.RecordValidationError("forward", "shape")
		return fmt.Errorf("hidden size mismatch: features have %d, weight has %d", hidden, weight.Dims()[1])
	}
	tokens := batch * seq
	if len(labels) != tokens {
		metrics.RecordValidationError("forward", "token_count")
		return fmt.Errorf("token count mismatch: %d features, %d labels", tokens, len(labels))
	}
	if tokens%cfg.ChunkCount != 0 {
		metrics.RecordValidationError("forward", "divisibility")
		return fmt.Errorf("token count %d not divisible by chunk count %d", tokens, cfg.ChunkCount)
	}
	for i, l := range labels {
		if int(l) == cfg.IgnoreIndex {
			continue
		}
		if l < 0 || int(l) >= vocab {
			metrics.RecordValidationError("forward", "label_range")
			return fmt.Errorf("label %d at position %d outside [0, %d)", l, i, vocab)
		}
	}
	return nil
}
