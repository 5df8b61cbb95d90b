package loss

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
)

// Unfused computes the same loss as Forward without fusion or chunking:
// the full (tokens, vocab) logits tensor is materialized and reduced in a
// separate pass. It serves as the fallback when the fused path is disabled
// and as the oracle the fused path is tested against. No gradients are
// produced.
func Unfused(ctx *cpu.Context, feat, weight *cpu.Tensor, labels []int32, ignoreIndex int, reduction string) (float32, error) {
	if reduction != config.ReductionMean && reduction != config.ReductionSum {
		return 0, fmt.Errorf("invalid reduction: %q", reduction)
	}
	hidden := feat.Cols()
	tokens := feat.Rows()
	if weight.Cols() != hidden {
		return 0, fmt.Errorf("hidden size mismatch: features have %d, weight has %d", hidden, weight.Cols())
	}
	if len(labels) != tokens {
		return 0, fmt.Errorf("token count mismatch: %d features, %d labels", tokens, len(labels))
	}
	vocab := weight.Rows()

	var feat2d *cpu.Tensor
	if feat.DType() == cpu.F32 {
		feat2d = cpu.FromSlice(feat.Name(), feat.F32(), tokens, hidden)
	} else {
		feat2d = cpu.FromSlice(feat.Name(), feat.ToF32(), tokens, hidden)
	}
	weightF32 := weight
	if weight.DType() != cpu.F32 {
		weightF32 = weight.CastTo(weight.Name(), cpu.F32)
	}

	logits := ctx.GetTensor("logits_full", cpu.F32, tokens, vocab)
	defer ctx.PutTensor(logits)
	ctx.MatMulTransB(feat2d, weightF32, logits)

	data := logits.F32()
	var total float64
	counted := 0
	for r := 0; r < tokens; r++ {
		target := int(labels[r])
		if target == ignoreIndex {
			continue
		}
		if target < 0 || target >= vocab {
			return 0, fmt.Errorf("label %d at position %d outside [0, %d)", target, r, vocab)
		}
		row := data[r*vocab : (r+1)*vocab]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxVal))
		}
		total += math.Log(sumExp) - float64(row[target]-maxVal)
		counted++
	}

	if reduction == config.ReductionMean && counted > 0 {
		total /= float64(counted)
	}
	return float32(total), nil
}
