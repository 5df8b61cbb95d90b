package cpu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

var allocatedBytes int64

// AllocatedBytes reports bytes currently held by pooled tensors.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context owns scratch tensors and the worker parallelism used by kernels.
// Tensors handed out by GetTensor are exclusively owned by the caller until
// returned with PutTensor.
type Context struct {
	mu         sync.Mutex
	pool       map[string][]*Tensor
	numThreads int
}

func NewContext() *Context {
	return &Context{
		pool:       make(map[string][]*Tensor),
		numThreads: runtime.NumCPU(),
	}
}

func (c *Context) SetNumThreads(n int) {
	if n > 0 {
		c.numThreads = n
	}
}

func (c *Context) NumThreads() int { return c.numThreads }

func poolKey(dtype DType, dims []int) string {
	return fmt.Sprintf("%s:%v", dtype, dims)
}

// GetTensor returns a pooled tensor of the given shape, or allocates one.
// Pooled tensors are returned zeroed.
func (c *Context) GetTensor(name string, dtype DType, dims ...int) *Tensor {
	key := poolKey(dtype, dims)
	c.mu.Lock()
	pool := c.pool[key]
	if len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[key] = pool[:len(pool)-1]
		c.mu.Unlock()
		t.name = name
		t.Zero()
		return t
	}
	c.mu.Unlock()
	t := NewTensor(name, dtype, dims...)
	atomic.AddInt64(&allocatedBytes, int64(t.NumElements()*dtype.ElemSize()))
	return t
}

// PutTensor returns a tensor to the pool for reuse.
func (c *Context) PutTensor(t *Tensor) {
	if t == nil {
		return
	}
	key := poolKey(t.dtype, t.dims)
	c.mu.Lock()
	c.pool[key] = append(c.pool[key], t)
	c.mu.Unlock()
}

// Free drops all pooled tensors.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tensors := range c.pool {
		for _, t := range tensors {
			atomic.AddInt64(&allocatedBytes, -int64(t.NumElements()*t.dtype.ElemSize()))
		}
	}
	c.pool = make(map[string][]*Tensor)
}

// Zero clears the tensor storage.
func (t *Tensor) Zero() {
	if t.dtype == F32 {
		for i := range t.f32 {
			t.f32[i] = 0
		}
		return
	}
	for i := range t.f16 {
		t.f16[i] = 0
	}
}

// ParallelRows splits [0, rows) into contiguous ranges, one per worker, and
// blocks until every range has been processed. Ranges never overlap, so fn
// may write to per-row state without synchronization.
func (c *Context) ParallelRows(rows int, fn func(start, end int)) {
	if rows <= 0 {
		return
	}
	workers := c.numThreads
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunk {
		end := i + chunk
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(i, end)
	}
	wg.Wait()
}
