package loss

import (
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/cpu"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// rowLossGrad computes the cross-entropy loss for one row of logits and
// overwrites the row in place with the gradient of the loss with respect
// to those logits. The in-place overwrite is what keeps peak memory at a
// single chunk buffer: the forward and backward vocabulary passes share
// one allocation.
//
// Rows whose target equals ignoreIndex contribute zero loss and a zero
// gradient row regardless of their contents.
func rowLossGrad(row []float32, target int, divisor float32, ignoreIndex int) float32 {
	if target == ignoreIndex {
		for i := range row {
			row[i] = 0
		}
		return 0
	}

	// Subtracting the row max before exponentiating keeps exp from
	// overflowing for large logits.
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	targetShifted := float64(row[target] - maxVal)

	var sumExp float64
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		row[i] = float32(e)
		sumExp += e
	}

	loss := float32(math.Log(sumExp)-targetShifted) / divisor

	// grad = softmax(row) - oneHot(target), pre-divided by the divisor.
	invSum := float32(1.0 / sumExp)
	for i := range row {
		row[i] = row[i] * invSum / divisor
	}
	row[target] -= 1 / divisor

	return loss
}

// lossGradChunk applies rowLossGrad to every row of the logits chunk.
// Rows are independent units of work with no shared mutable state, so they
// are processed in parallel. logits is overwritten with the per-row
// gradients; per-token losses land in losses.
func lossGradChunk(ctx *cpu.Context, logits *cpu.Tensor, targets []int32, losses []float32, divisor float32, ignoreIndex int) {
	start := time.Now()
	rows, cols := logits.Rows(), logits.Cols()
	data := logits.F32()
	ctx.ParallelRows(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			losses[r] = rowLossGrad(data[r*cols:(r+1)*cols], int(targets[r]), divisor, ignoreIndex)
		}
	})
	metrics.RecordKernelDuration("loss_grad", time.Since(start))
}
