package loss

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// ChunkObserver receives one callback per processed chunk. Observers run
// on the driver goroutine between chunks.
type ChunkObserver interface {
	ObserveChunk(index, tokens int, lossSum float64, elapsed time.Duration)
}

// runFused drives the fused loss over the token batch in cfg.ChunkCount
// equal chunks. feat is the (tokens, hidden) float32 working view of the
// feature tensor. gradFeat, when non-nil, is a zeroed (tokens, hidden)
// float32 accumulator filled one token-range slice per chunk. gradWeight,
// when non-nil, is a zeroed (vocab, hidden) accumulator in the compute
// precision, accumulated in place across chunks.
//
// Chunks run strictly sequentially: the single logits scratch buffer is
// reused for every chunk, and the driver owns it exclusively for the
// chunk's lifetime.
func runFused(ctx *cpu.Context, feat, weight *cpu.Tensor, targets []int32, cfg config.Config, compute cpu.DType, gradFeat, gradWeight *cpu.Tensor, obs ChunkObserver) (float32, error) {
	tokens, hidden := feat.Rows(), feat.Cols()
	vocab := weight.Rows()

	k := cfg.ChunkCount
	if tokens%k != 0 {
		// No silent truncation: a ragged final chunk is rejected here even
		// though the bridge validates the same precondition.
		return 0, fmt.Errorf("token count %d not divisible by chunk count %d", tokens, k)
	}
	chunkTokens := tokens / k

	divisor := float32(1)
	if cfg.Reduction == config.ReductionMean {
		n := 0
		for _, t := range targets {
			if int(t) != cfg.IgnoreIndex {
				n++
			}
		}
		// With every token ignored the kernel writes zeros before any
		// division, so a unit divisor keeps the arithmetic finite.
		if n > 0 {
			divisor = float32(n)
		}
	}

	// The weight is cast to the compute precision once per call, never per
	// chunk.
	weightCast := weight
	if compute == cpu.F16 || weight.DType() != cpu.F32 {
		weightCast = ctx.GetTensor("weight_cast", cpu.F32, weight.Dims()...)
		defer ctx.PutTensor(weightCast)
		vals := weight.ToF32()
		if compute == cpu.F16 {
			cpu.RoundF16(vals)
		}
		copy(weightCast.F32(), vals)
	}

	// One scratch buffer holds the chunk's logits and is overwritten in
	// place with the chunk's logit gradients.
	buf := ctx.GetTensor("logits_chunk", cpu.F32, chunkTokens, vocab)
	defer ctx.PutTensor(buf)

	var featCast *cpu.Tensor
	if compute == cpu.F16 {
		featCast = ctx.GetTensor("hidden_chunk_cast", cpu.F32, chunkTokens, hidden)
		defer ctx.PutTensor(featCast)
	}

	losses := make([]float32, tokens)
	featData := feat.F32()

	for i := 0; i < k; i++ {
		chunkStart := time.Now()
		lo := i * chunkTokens
		hi := lo + chunkTokens

		featChunk := cpu.FromSlice("hidden_chunk", featData[lo*hidden:hi*hidden], chunkTokens, hidden)
		if compute == cpu.F16 {
			copy(featCast.F32(), featChunk.F32())
			cpu.RoundF16(featCast.F32())
			featChunk = featCast
		}

		projStart := time.Now()
		ctx.MatMulTransB(featChunk, weightCast, buf)
		if compute == cpu.F16 {
			cpu.RoundF16(buf.F32())
		}
		metrics.RecordKernelDuration("project", time.Since(projStart))

		lossGradChunk(ctx, buf, targets[lo:hi], losses[lo:hi], divisor, cfg.IgnoreIndex)

		if compute == cpu.F16 {
			// The logit gradients leave the kernel in float32 and are
			// carried back to the compute precision before assembly.
			cpu.RoundF16(buf.F32())
		}

		if gradFeat != nil {
			start := time.Now()
			out := cpu.FromSlice("grad_feature_chunk", gradFeat.F32()[lo*hidden:hi*hidden], chunkTokens, hidden)
			ctx.MatMul(buf, weightCast, out)
			metrics.RecordKernelDuration("grad_feature", time.Since(start))
		}
		if gradWeight != nil {
			start := time.Now()
			ctx.MatMulTransAAcc(buf, featChunk, gradWeight)
			metrics.RecordKernelDuration("grad_weight", time.Since(start))
		}

		elapsed := time.Since(chunkStart)
		metrics.RecordChunkDuration(elapsed)
		if obs != nil {
			var chunkLoss float64
			for _, l := range losses[lo:hi] {
				chunkLoss += float64(l)
			}
			obs.ObserveChunk(i, chunkTokens, chunkLoss, elapsed)
		}
	}

	if cfg.DebugStats {
		recordStats(losses, gradFeat, gradWeight)
	}

	var total float64
	for _, l := range losses {
		total += float64(l)
	}
	return float32(total), nil
}

func recordStats(losses []float32, gradFeat, gradWeight *cpu.Tensor) {
	ls := cpu.ComputeStats(losses)
	metrics.RecordNumericalInstability("loss", ls.NaNs, ls.Infs)
	logger.Log.Debug("loss stats",
		"max", ls.Max, "min", ls.Min, "mean", ls.Mean, "rms", ls.RMS,
		"nans", ls.NaNs, "infs", ls.Infs)

	if gradFeat != nil {
		s := cpu.ComputeStats(gradFeat.F32())
		metrics.RecordNumericalInstability("grad_feature", s.NaNs, s.Infs)
		metrics.RecordGradNorm("feature", l2Norm(gradFeat.F32()))
		logger.Log.Debug("feature grad stats",
			"max", s.Max, "min", s.Min, "mean", s.Mean, "rms", s.RMS,
			"nans", s.NaNs, "infs", s.Infs)
	}
	if gradWeight != nil {
		vals := gradWeight.ToF32()
		s := cpu.ComputeStats(vals)
		metrics.RecordNumericalInstability("grad_weight", s.NaNs, s.Infs)
		metrics.RecordGradNorm("weight", l2Norm(vals))
		logger.Log.Debug("weight grad stats",
			"max", s.Max, "min", s.Min, "mean", s.Mean, "rms", s.RMS,
			"nans", s.NaNs, "infs", s.Infs)
	}
}

func l2Norm(vals []float32) float64 {
	var sum float64
	for _, v := range vals {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
