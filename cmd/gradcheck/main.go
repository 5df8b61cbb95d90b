package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/loss"
)

// Finite-difference check of the fused analytic gradients on a small
// synthetic problem. Central differences on every element of the feature
// tensor and the projection weight are compared against the gradients
// saved by the fused forward.
func main() {
	batch := flag.Int("batch", 2, "Batch size")
	seq := flag.Int("seq", 4, "Sequence length")
	hidden := flag.Int("hidden", 3, "Hidden dimension")
	vocab := flag.Int("vocab", 5, "Vocabulary size")
	chunks := flag.Int("chunks", 2, "Chunk count")
	eps := flag.Float64("eps", 1e-3, "Finite-difference step")
	tol := flag.Float64("tol", 1e-2, "Max allowed absolute deviation")
	seed := flag.Int64("seed", 7, "RNG seed")
	flag.Parse()

	logger.Setup("info", "console")
	log := logger.Log.Component("gradcheck")

	cfg := config.Default()
	cfg.ChunkCount = *chunks
	cfg.Reduction = config.ReductionMean

	rng := rand.New(rand.NewSource(*seed))
	tokens := *batch * *seq

	feat := cpu.NewTensor("hidden_states", cpu.F32, *batch, *seq, *hidden)
	for i := range feat.F32() {
		feat.F32()[i] = (rng.Float32() - 0.5) * 2
	}
	feat.SetRequiresGrad(true)

	weight := cpu.NewTensor("lm_head", cpu.F32, *vocab, *hidden)
	for i := range weight.F32() {
		weight.F32()[i] = (rng.Float32() - 0.5) * 2
	}
	weight.SetRequiresGrad(true)

	labels := make([]int32, tokens)
	for i := range labels {
		labels[i] = int32(rng.Intn(*vocab))
	}
	// One masked token keeps the ignore path honest.
	labels[0] = int32(cfg.IgnoreIndex)

	ctx := cpu.NewContext()
	defer ctx.Free()

	op, lossVal, err := loss.Forward(ctx, feat, weight, labels, cfg)
	if err != nil {
		log.Error("forward", "error", err)
		os.Exit(1)
	}
	grads, err := op.Backward(1.0)
	if err != nil {
		log.Error("backward", "error", err)
		os.Exit(1)
	}
	log.Info("analytic pass done", "loss", lossVal)

	lossAt := func() float64 {
		o, v, err := loss.Forward(ctx, feat, weight, labels, cfg)
		if err != nil {
			log.Error("perturbed forward", "error", err)
			os.Exit(1)
		}
		_, _ = o.Backward(1.0)
		return float64(v)
	}

	check := func(name string, data []float32, analytic []float32) float64 {
		var worst float64
		for i := range data {
			orig := data[i]
			data[i] = orig + float32(*eps)
			up := lossAt()
			data[i] = orig - float32(*eps)
			down := lossAt()
			data[i] = orig
			numeric := (up - down) / (2 * *eps)
			diff := numeric - float64(analytic[i])
			if diff < 0 {
				diff = -diff
			}
			if diff > worst {
				worst = diff
			}
		}
		fmt.Printf("%s: %d elements, max |analytic - numeric| = %.3e\n", name, len(data), worst)
		return worst
	}

	worstFeat := check("feature", feat.F32(), grads.Feature.F32())
	worstWeight := check("weight", weight.F32(), grads.Weight.F32())

	if worstFeat > *tol || worstWeight > *tol {
		log.Error("gradient check failed", "feature", worstFeat, "weight", worstWeight, "tol", *tol)
		os.Exit(1)
	}
	log.Info("gradient check passed", "feature", worstFeat, "weight", worstWeight)
}
