package cpu

import (
	"sync"
	"testing"
)

func TestTensorPoolReuse(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	t1 := ctx.GetTensor("a", F32, 4, 8)
	t1.F32()[0] = 42
	ctx.PutTensor(t1)

	t2 := ctx.GetTensor("b", F32, 4, 8)
	if t2 != t1 {
		t.Error("expected pooled tensor to be reused")
	}
	if t2.F32()[0] != 0 {
		t.Error("pooled tensor must come back zeroed")
	}
	ctx.PutTensor(t2)
}

func TestTensorPoolKeyedByShapeAndDType(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	t1 := ctx.GetTensor("a", F32, 4, 8)
	ctx.PutTensor(t1)

	if got := ctx.GetTensor("b", F32, 8, 4); got == t1 {
		t.Error("different shape must not hit the same pool slot")
	}
	if got := ctx.GetTensor("c", F16, 4, 8); got == t1 {
		t.Error("different dtype must not hit the same pool slot")
	}
}

func TestParallelRowsCoversAll(t *testing.T) {
	ctx := NewContext()
	ctx.SetNumThreads(4)

	for _, rows := range []int{1, 3, 4, 7, 100} {
		seen := make([]int32, rows)
		var mu sync.Mutex
		ctx.ParallelRows(rows, func(start, end int) {
			mu.Lock()
			defer mu.Unlock()
			for i := start; i < end; i++ {
				seen[i]++
			}
		})
		for i, n := range seen {
			if n != 1 {
				t.Errorf("rows=%d: row %d visited %d times", rows, i, n)
			}
		}
	}
}

func TestParallelRowsZero(t *testing.T) {
	ctx := NewContext()
	called := false
	ctx.ParallelRows(0, func(start, end int) { called = true })
	if called {
		t.Error("no work expected for zero rows")
	}
}
