package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/cpu"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/loss"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/trace"
)

func main() {
	batch := flag.Int("batch", 4, "Batch size")
	seq := flag.Int("seq", 256, "Sequence length")
	hidden := flag.Int("hidden", 512, "Hidden dimension")
	vocab := flag.Int("vocab", 32000, "Vocabulary size")
	chunks := flag.Int("chunks", 4, "Chunk count")
	iters := flag.Int("iters", 5, "Benchmark iterations")
	precision := flag.String("precision", "auto", "Compute precision: auto, f32, f16")
	reduction := flag.String("reduction", "mean", "Reduction: mean or sum")
	seed := flag.Int64("seed", 42, "RNG seed")
	tracePath := flag.String("trace", "", "Write per-chunk Arrow IPC trace to this file")
	flightHost := flag.String("flight-host", "", "Push chunk traces to a longbow Flight server")
	flightPort := flag.Int("flight-port", trace.DefaultFlightPort, "Flight server data port")
	listen := flag.String("listen", "", "Serve /health, /status and /metrics on this address")
	verify := flag.Bool("verify", true, "Compare fused loss against the unfused reference")
	stats := flag.Bool("stats", false, "Log loss/gradient statistics after each forward")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger.Setup(*logLevel, "console")
	log := logger.Log.Component("lossbench")

	cfg := config.Default()
	cfg.ChunkCount = *chunks
	cfg.Reduction = *reduction
	cfg.DebugStats = *stats
	switch *precision {
	case "f32":
		cfg.Precision = config.PrecisionF32
	case "f16":
		cfg.Precision = config.PrecisionF16
	case "auto":
	default:
		fmt.Fprintf(os.Stderr, "unknown precision %q\n", *precision)
		os.Exit(2)
	}

	rng := rand.New(rand.NewSource(*seed))
	feat := cpu.NewTensor("hidden_states", cpu.F32, *batch, *seq, *hidden)
	for i := range feat.F32() {
		feat.F32()[i] = (rng.Float32() - 0.5) * 2
	}
	feat.SetRequiresGrad(true)

	weight := cpu.NewTensor("lm_head", cpu.F32, *vocab, *hidden)
	for i := range weight.F32() {
		weight.F32()[i] = (rng.Float32() - 0.5) * 0.1
	}
	weight.SetRequiresGrad(true)

	labels := make([]int32, *batch**seq)
	for i := range labels {
		labels[i] = int32(rng.Intn(*vocab))
	}

	ctx := cpu.NewContext()
	defer ctx.Free()

	var opts []loss.Option
	var tw *trace.Writer
	if *tracePath != "" {
		var err error
		tw, err = trace.NewWriter(*tracePath)
		if err != nil {
			log.Error("trace writer", "error", err)
			os.Exit(1)
		}
		defer tw.Close()
		opts = append(opts, loss.WithChunkObserver(tw))
	}

	var sink *trace.FlightSink
	var collector *trace.Collector
	if *flightHost != "" {
		sink = trace.NewFlightSink(*flightHost, *flightPort, "loss_trace")
		if err := sink.Connect(); err != nil {
			log.Error("flight connect", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		collector = trace.NewCollector()
		defer collector.Release()
		opts = append(opts, loss.WithChunkObserver(collector))
	}

	var hm *monitoring.HealthMonitor
	if *listen != "" {
		hm = monitoring.NewHealthMonitor()
		go func() {
			if err := hm.Start(*listen); err != nil && err != http.ErrServerClosed {
				log.Error("health monitor", "error", err)
			}
		}()
		defer hm.Stop(context.Background())
	}

	log.Info("benchmark start",
		"batch", *batch, "seq", *seq, "hidden", *hidden, "vocab", *vocab,
		"chunks", *chunks, "precision", cfg.Precision.String(), "reduction", cfg.Reduction)

	var lastLoss float32
	start := time.Now()
	for i := 0; i < *iters; i++ {
		stepStart := time.Now()
		op, lossVal, err := loss.NextTokenLoss(ctx, feat, weight, labels, cfg, opts...)
		if err != nil {
			log.Error("forward", "error", err)
			os.Exit(1)
		}
		grads, err := op.Backward(1.0)
		if err != nil {
			log.Error("backward", "error", err)
			os.Exit(1)
		}
		lastLoss = lossVal
		_ = grads
		if hm != nil {
			hm.RecordStep(float64(lossVal), *batch**seq, time.Since(stepStart))
		}

		if tw != nil {
			if err := tw.EndStep(); err != nil {
				log.Error("trace flush", "error", err)
				os.Exit(1)
			}
		}
		if sink != nil {
			rec := collector.TakeRecord()
			err := sink.Put(context.Background(), rec)
			rec.Release()
			if err != nil {
				log.Error("flight put", "error", err)
				os.Exit(1)
			}
		}
	}
	elapsed := time.Since(start)

	tokens := *batch * *seq
	log.Info("benchmark done",
		"loss", lastLoss,
		"iters", *iters,
		"elapsed", elapsed,
		"tokens_per_sec", float64(tokens**iters)/elapsed.Seconds(),
		"pooled_bytes", cpu.AllocatedBytes(),
	)

	if *verify {
		unfusedCfg := cfg
		unfusedCfg.Enabled = false
		_, ref, err := loss.NextTokenLoss(ctx, feat, weight, labels, unfusedCfg)
		if err != nil {
			log.Error("reference", "error", err)
			os.Exit(1)
		}
		diff := math.Abs(float64(lastLoss - ref))
		log.Info("verification", "fused", lastLoss, "reference", ref, "abs_diff", diff)
		if diff > 1e-3*math.Max(1, math.Abs(float64(ref))) {
			log.Error("fused loss deviates from reference")
			os.Exit(1)
		}
	}
}
