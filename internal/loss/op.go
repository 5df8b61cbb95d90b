// Package loss implements a fused, chunked cross-entropy over a final
// projection layer. The (tokens, vocab) logits tensor is never
// materialized in full: logits are produced one chunk at a time into a
// reusable scratch buffer, and the buffer is overwritten in place with the
// logit gradients, halving peak memory at the vocabulary dimension.
package loss

import (
	"errors"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// ErrBackwardConsumed is returned when Backward is invoked on an Op whose
// gradients were already consumed.
var ErrBackwardConsumed = errors.New("loss: backward already consumed")

// Grads is the tagged record of gradients saved by Forward. A field is nil
// when the corresponding input did not require a gradient; the record's
// shape never varies.
type Grads struct {
	// Feature is shaped like the feature tensor (batch, seq, hidden) and
	// stored in the feature tensor's precision.
	Feature *cpu.Tensor
	// Weight is shaped like the projection weight (vocab, hidden) and
	// stored in the compute precision.
	Weight *cpu.Tensor
}

// Op is one fused cross-entropy computation acting as a single opaque node
// in a differentiation graph. It has two states: forward-computed (loss
// returned, gradients saved) and backward-consumed (terminal).
type Op struct {
	saved    Grads
	loss     float32
	consumed bool
}

// Option configures a Forward call.
type Option func(*options)

type options struct {
	obs ChunkObserver
}

// WithChunkObserver attaches an observer invoked after every chunk.
func WithChunkObserver(obs ChunkObserver) Option {
	return func(o *options) { o.obs = obs }
}

// Forward computes the scalar cross-entropy loss of feat projected through
// weight against labels.
//
// feat is rank 3 (batch, seq, hidden); weight is rank 2 (vocab, hidden);
// labels holds batch*seq class indices in row-major (batch, seq) order and
// may contain cfg.IgnoreIndex. Gradients are computed during this forward
// pass for whichever of feat and weight has its requires-grad flag set,
// and retrieved later with Backward. All validation runs before any kernel
// work.
func Forward(ctx *cpu.Context, feat, weight *cpu.Tensor, labels []int32, cfg config.Config, opts ...Option) (*Op, float32, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateInputs(feat, weight, labels, cfg); err != nil {
		return nil, 0, err
	}

	dims := feat.Dims()
	batch, seq, hidden := dims[0], dims[1], dims[2]
	tokens := batch * seq
	compute := resolvePrecision(cfg.Precision, feat.DType())

	start := time.Now()

	var feat2d *cpu.Tensor
	if feat.DType() == cpu.F32 {
		feat2d = cpu.FromSlice(feat.Name(), feat.F32(), tokens, hidden)
	} else {
		feat2d = cpu.FromSlice(feat.Name(), feat.ToF32(), tokens, hidden)
	}

	var gradFeat, gradWeight *cpu.Tensor
	if feat.RequiresGrad() {
		gradFeat = cpu.NewTensor("grad_feature", cpu.F32, tokens, hidden)
	}
	if weight.RequiresGrad() {
		gradWeight = cpu.NewTensor("grad_weight", compute, weight.Dims()...)
	}

	lossVal, err := runFused(ctx, feat2d, weight, labels, cfg, compute, gradFeat, gradWeight, o.obs)
	if err != nil {
		return nil, 0, err
	}

	op := &Op{loss: lossVal}
	if gradFeat != nil {
		if feat.DType() == cpu.F16 {
			op.saved.Feature = gradFeat.CastTo("grad_feature", cpu.F16).Reshape(batch, seq, hidden)
		} else {
			op.saved.Feature = gradFeat.Reshape(batch, seq, hidden)
		}
	}
	if gradWeight != nil {
		op.saved.Weight = gradWeight
	}

	ignored := 0
	for _, t := range labels {
		if int(t) == cfg.IgnoreIndex {
			ignored++
		}
	}
	metrics.RecordLoss(float64(lossVal), tokens, ignored, cfg.ChunkCount)
	logger.Log.Debug("fused loss computed",
		"loss", lossVal,
		"tokens", tokens,
		"ignored", ignored,
		"chunks", cfg.ChunkCount,
		"precision", compute.String(),
		"elapsed", time.Since(start),
	)

	return op, lossVal, nil
}

// Loss returns the scalar loss computed by Forward.
func (op *Op) Loss() float32 { return op.loss }

// Backward consumes the saved gradients, applying the single upstream
// scalar gradient. Gradients stored in half precision are upcast to
// float32, scaled, and rounded back, so loss scaling in mixed-precision
// training loops composes correctly. Float32 gradients are returned as
// saved and assume a unit upstream gradient.
//
// The op is terminal afterwards: a second call returns
// ErrBackwardConsumed. The non-differentiable forward inputs (chunk count,
// ignore index, reduction mode) have no gradient and no slot in the
// returned record.
func (op *Op) Backward(gradOutput float32) (Grads, error) {
	if op.consumed {
		return Grads{}, ErrBackwardConsumed
	}
	op.consumed = true
	scaleHalf(op.saved.Feature, gradOutput)
	scaleHalf(op.saved.Weight, gradOutput)
	return op.saved, nil
}

func scaleHalf(t *cpu.Tensor, s float32) {
	if t == nil || t.DType() != cpu.F16 {
		return
	}
	bits := t.F16()
	for i, h := range bits {
		bits[i] = cpu.F32ToF16(cpu.F16ToF32(h) * s)
	}
}

func resolvePrecision(mode config.PrecisionMode, native cpu.DType) cpu.DType {
	switch mode {
	case config.PrecisionF16:
		return cpu.F16
	case config.PrecisionF32:
		return cpu.F32
	default:
		return native
	}
}

// NextTokenLoss shifts hidden states and labels for next-token prediction
// and computes the loss. hidden is rank 3 (batch, seq, hidden); labels
// holds batch*seq entries. When cfg.Enabled is false the unfused reference
// path is used and no gradients are produced (the returned Op is nil).
func NextTokenLoss(ctx *cpu.Context, hidden, weight *cpu.Tensor, labels []int32, cfg config.Config, opts ...Option) (*Op, float32, error) {
	if !cfg.Enabled {
		feat, shifted, err := ShiftForNextToken(hidden, labels, 1, cfg.IgnoreIndex)
		if err != nil {
			return nil, 0, err
		}
		lossVal, err := Unfused(ctx, feat, weight, shifted, cfg.IgnoreIndex, cfg.Reduction)
		return nil, lossVal, err
	}

	feat, shifted, err := ShiftForNextToken(hidden, labels, cfg.ChunkCount, cfg.IgnoreIndex)
	if err != nil {
		return nil, 0, err
	}
	return Forward(ctx, feat, weight, shifted, cfg, opts...)
}
