// Package trace records per-chunk loss telemetry as Arrow record batches,
// either to an IPC file for offline analysis or to a longbow store over
// Arrow Flight.
package trace

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema is the chunk-trace record layout.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "chunk", Type: arrow.PrimitiveTypes.Int32},
	{Name: "tokens", Type: arrow.PrimitiveTypes.Int32},
	{Name: "loss", Type: arrow.PrimitiveTypes.Float32},
	{Name: "elapsed_us", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// Collector accumulates chunk observations into a pending record batch.
// It implements loss.ChunkObserver.
type Collector struct {
	mu   sync.Mutex
	step int64
	bld  *array.RecordBuilder
}

func NewCollector() *Collector {
	return &Collector{bld: array.NewRecordBuilder(memory.DefaultAllocator, Schema)}
}

// ObserveChunk appends one chunk observation to the pending batch.
func (c *Collector) ObserveChunk(index, tokens int, lossSum float64, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bld.Field(0).(*array.Int64Builder).Append(c.step)
	c.bld.Field(1).(*array.Int32Builder).Append(int32(index))
	c.bld.Field(2).(*array.Int32Builder).Append(int32(tokens))
	c.bld.Field(3).(*array.Float32Builder).Append(float32(lossSum))
	c.bld.Field(4).(*array.Int64Builder).Append(elapsed.Microseconds())
}

// TakeRecord returns the pending observations as one record batch and
// advances the step counter. The caller must Release the record.
func (c *Collector) TakeRecord() arrow.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step++
	return c.bld.NewRecord()
}

// Release frees the underlying builder.
func (c *Collector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bld.Release()
}

// Writer collects chunk observations and flushes them as one record batch
// per training step to an Arrow IPC file.
type Writer struct {
	*Collector
	fw *ipc.FileWriter
	f  *os.File
}

func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", path, err)
	}
	fw, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace: ipc writer: %w", err)
	}
	return &Writer{Collector: NewCollector(), fw: fw, f: f}, nil
}

// EndStep writes the pending observations as one record batch.
func (w *Writer) EndStep() error {
	rec := w.TakeRecord()
	defer rec.Release()
	if rec.NumRows() == 0 {
		return nil
	}
	if err := w.fw.Write(rec); err != nil {
		return fmt.Errorf("trace: write batch: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.Release()
	if err := w.fw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("trace: close: %w", err)
	}
	return w.f.Close()
}
