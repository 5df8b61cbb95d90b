package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LossValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fused_cel_loss_value",
		Help:    "Scalar loss values produced by the fused cross-entropy engine",
		Buckets: []float64{0, 0.5, 1, 2, 4, 6, 8, 10, 15, 20, 50},
	})

	TokensPerLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fused_cel_tokens_per_loss",
		Help:    "Token counts per loss computation",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
	})

	IgnoredTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fused_cel_ignored_tokens_total",
		Help: "Total number of tokens masked out by the ignore index",
	})

	ChunkCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fused_cel_chunk_count",
		Help:    "Number of chunks per loss computation",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fused_cel_kernel_duration_seconds",
		Help:    "Histogram of per-chunk kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fused_cel_chunk_duration_seconds",
		Help:    "End-to-end duration of one chunk (project, loss/grad, assemble)",
		Buckets: prometheus.DefBuckets,
	})

	GradNorm = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fused_cel_grad_norm",
		Help:    "L2 norms of assembled gradient accumulators",
		Buckets: []float64{0, 0.01, 0.1, 1, 10, 100, 1000},
	}, []string{"tensor"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fused_cel_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fused_cel_validation_errors_total",
		Help: "Total number of input validation failures",
	}, []string{"operation", "error_type"})
)

// RecordLoss records one completed loss computation.
func RecordLoss(loss float64, tokens, ignored, chunks int) {
	LossValue.Observe(loss)
	TokensPerLoss.Observe(float64(tokens))
	ChunkCount.Observe(float64(chunks))
	if ignored > 0 {
		IgnoredTokens.Add(float64(ignored))
	}
}

func RecordKernelDuration(kernel string, d time.Duration) {
	KernelDuration.WithLabelValues(kernel).Observe(d.Seconds())
}

func RecordChunkDuration(d time.Duration) {
	ChunkDuration.Observe(d.Seconds())
}

func RecordGradNorm(tensor string, norm float64) {
	GradNorm.WithLabelValues(tensor).Observe(norm)
}

func RecordNumericalInstability(tensor string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
