package loss

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
)

type observerFunc func(index, tokens int, lossSum float64, elapsed time.Duration)

func (f observerFunc) ObserveChunk(index, tokens int, lossSum float64, elapsed time.Duration) {
	f(index, tokens, lossSum, elapsed)
}

func randomInputs(t *testing.T, rng *rand.Rand, batch, seq, hidden, vocab int) (*cpu.Tensor, *cpu.Tensor, []int32) {
	t.Helper()
	feat := cpu.NewTensor("hidden_states", cpu.F32, batch, seq, hidden)
	for i := range feat.F32() {
		feat.F32()[i] = (rng.Float32() - 0.5) * 4
	}
	feat.SetRequiresGrad(true)

	weight := cpu.NewTensor("lm_head", cpu.F32, vocab, hidden)
	for i := range weight.F32() {
		weight.F32()[i] = (rng.Float32() - 0.5) * 2
	}
	weight.SetRequiresGrad(true)

	labels := make([]int32, batch*seq)
	for i := range labels {
		labels[i] = int32(rng.Intn(vocab))
	}
	return feat, weight, labels
}

func TestChunkInvariance(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()
	rng := rand.New(rand.NewSource(3))

	batch, seq, hidden, vocab := 2, 4, 6, 11
	feat, weight, labels := randomInputs(t, rng, batch, seq, hidden, vocab)
	labels[3] = config.DefaultIgnoreIndex

	var baseLoss float32
	var baseFeat, baseWeight []float32

	for _, k := range []int{1, 2, 4, 8} {
		cfg := config.Default()
		cfg.ChunkCount = k

		op, lossVal, err := Forward(ctx, feat, weight, labels, cfg)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		grads, err := op.Backward(1.0)
		if err != nil {
			t.Fatalf("k=%d backward: %v", k, err)
		}

		if k == 1 {
			baseLoss = lossVal
			baseFeat = append([]float32{}, grads.Feature.F32()...)
			baseWeight = append([]float32{}, grads.Weight.F32()...)
			continue
		}
		if math.Abs(float64(lossVal-baseLoss)) > 1e-5 {
			t.Errorf("k=%d: loss %v != k=1 loss %v", k, lossVal, baseLoss)
		}
		for i, g := range grads.Feature.F32() {
			if math.Abs(float64(g-baseFeat[i])) > 1e-5 {
				t.Errorf("k=%d: gradFeature[%d] = %v, want %v", k, i, g, baseFeat[i])
				break
			}
		}
		for i, g := range grads.Weight.F32() {
			if math.Abs(float64(g-baseWeight[i])) > 1e-5 {
				t.Errorf("k=%d: gradWeight[%d] = %v, want %v", k, i, g, baseWeight[i])
				break
			}
		}
	}
}

func TestDivisibilityError(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()
	rng := rand.New(rand.NewSource(4))

	feat, weight, labels := randomInputs(t, rng, 1, 6, 4, 8)
	cfg := config.Default()
	cfg.ChunkCount = 4

	_, _, err := Forward(ctx, feat, weight, labels, cfg)
	if err == nil {
		t.Fatal("expected error for 6 tokens over 4 chunks")
	}
	if !strings.Contains(err.Error(), "divisible") {
		t.Errorf("error %q does not mention divisibility", err)
	}
}

func TestReductionModes(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()
	rng := rand.New(rand.NewSource(5))

	feat, weight, labels := randomInputs(t, rng, 2, 4, 5, 9)
	labels[1] = config.DefaultIgnoreIndex
	labels[6] = config.DefaultIgnoreIndex
	nonIgnored := len(labels) - 2

	meanCfg := config.Default()
	meanCfg.ChunkCount = 2
	_, meanLoss, err := Forward(ctx, feat, weight, labels, meanCfg)
	if err != nil {
		t.Fatal(err)
	}

	sumCfg := meanCfg
	sumCfg.Reduction = config.ReductionSum
	_, sumLoss, err := Forward(ctx, feat, weight, labels, sumCfg)
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(float64(meanLoss-sumLoss/float32(nonIgnored))) > 1e-5 {
		t.Errorf("mean %v != sum %v / %d", meanLoss, sumLoss, nonIgnored)
	}
}

func TestAllTokensIgnored(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()
	rng := rand.New(rand.NewSource(6))

	feat, weight, labels := randomInputs(t, rng, 1, 4, 3, 6)
	for i := range labels {
		labels[i] = config.DefaultIgnoreIndex
	}

	cfg := config.Default()
	cfg.ChunkCount = 2
	op, lossVal, err := Forward(ctx, feat, weight, labels, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if lossVal != 0 {
		t.Errorf("all-ignored loss = %v, want 0", lossVal)
	}
	grads, err := op.Backward(1.0)
	if err != nil {
		t.Fatal(err)
	}
	for i, g := range grads.Feature.F32() {
		if g != 0 {
			t.Fatalf("gradFeature[%d] = %v, want 0", i, g)
		}
	}
	for i, g := range grads.Weight.F32() {
		if g != 0 {
			t.Fatalf("gradWeight[%d] = %v, want 0", i, g)
		}
	}
}

func TestFusedMatchesUnfused(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()
	rng := rand.New(rand.NewSource(7))

	for _, reduction := range []string{config.ReductionMean, config.ReductionSum} {
		t.Run(reduction, func(t *testing.T) {
			feat, weight, labels := randomInputs(t, rng, 2, 8, 5, 17)
			labels[0] = config.DefaultIgnoreIndex
			labels[9] = config.DefaultIgnoreIndex

			cfg := config.Default()
			cfg.ChunkCount = 4
			cfg.Reduction = reduction
			_, fused, err := Forward(ctx, feat, weight, labels, cfg)
			if err != nil {
				t.Fatal(err)
			}

			flat := feat.Reshape(feat.Dims()[0]*feat.Dims()[1], feat.Dims()[2])
			ref, err := Unfused(ctx, flat, weight, labels, cfg.IgnoreIndex, reduction)
			if err != nil {
				t.Fatal(err)
			}

			if math.Abs(float64(fused-ref)) > 1e-4 {
				t.Errorf("fused %v != unfused %v", fused, ref)
			}
		})
	}
}

func TestChunkObserverSeesEveryChunk(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()
	rng := rand.New(rand.NewSource(8))

	feat, weight, labels := randomInputs(t, rng, 1, 8, 4, 6)
	cfg := config.Default()
	cfg.ChunkCount = 4

	var indices []int
	var lossSum float64
	obs := observerFunc(func(index, tokens int, chunkLoss float64, _ time.Duration) {
		indices = append(indices, index)
		if tokens != 2 {
			t.Errorf("chunk %d tokens = %d, want 2", index, tokens)
		}
		lossSum += chunkLoss
	})

	_, lossVal, err := Forward(ctx, feat, weight, labels, cfg, WithChunkObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 4 {
		t.Fatalf("observer saw %d chunks, want 4", len(indices))
	}
	for i, idx := range indices {
		if idx != i {
			t.Errorf("chunk order: got %v", indices)
			break
		}
	}
	if math.Abs(lossSum-float64(lossVal)) > 1e-5 {
		t.Errorf("observed chunk losses sum to %v, total loss %v", lossSum, lossVal)
	}
}
