package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLoss(t *testing.T) {
	before := testutil.ToFloat64(IgnoredTokens)

	RecordLoss(1.5, 1024, 12, 4)

	if got := testutil.ToFloat64(IgnoredTokens) - before; got != 12 {
		t.Errorf("ignored tokens delta = %v, want 12", got)
	}

	// Zero ignored tokens must not touch the counter.
	before = testutil.ToFloat64(IgnoredTokens)
	RecordLoss(0.7, 256, 0, 1)
	if got := testutil.ToFloat64(IgnoredTokens) - before; got != 0 {
		t.Errorf("ignored tokens delta = %v, want 0", got)
	}
}

func TestRecordKernelDuration(t *testing.T) {
	RecordKernelDuration("project", 3*time.Millisecond)
	RecordKernelDuration("loss_grad", 1*time.Millisecond)

	if testutil.CollectAndCount(KernelDuration) < 2 {
		t.Error("expected kernel duration observations for both labels")
	}
}

func TestRecordChunkDuration(t *testing.T) {
	// Should not panic
	RecordChunkDuration(2 * time.Millisecond)
}

func TestRecordGradNorm(t *testing.T) {
	RecordGradNorm("feature", 0.5)
	RecordGradNorm("weight", 12.25)

	if testutil.CollectAndCount(GradNorm) < 2 {
		t.Error("expected grad norm observations for both tensors")
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nanBefore := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "nan"))
	infBefore := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "inf"))

	RecordNumericalInstability("loss", 3, 1)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "nan")) - nanBefore; got != 3 {
		t.Errorf("nan counter delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "inf")) - infBefore; got != 1 {
		t.Errorf("inf counter delta = %v, want 1", got)
	}

	// Zero counts leave both counters alone.
	nanBefore = testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "nan"))
	RecordNumericalInstability("loss", 0, 0)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "nan")) - nanBefore; got != 0 {
		t.Errorf("nan counter delta = %v, want 0", got)
	}
}

func TestRecordValidationError(t *testing.T) {
	before := testutil.ToFloat64(ValidationErrors.WithLabelValues("forward", "rank"))

	RecordValidationError("forward", "rank")
	RecordValidationError("forward", "rank")

	if got := testutil.ToFloat64(ValidationErrors.WithLabelValues("forward", "rank")) - before; got != 2 {
		t.Errorf("validation error delta = %v, want 2", got)
	}
}
