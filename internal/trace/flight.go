package trace

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultFlightPort is the longbow data port.
const DefaultFlightPort = 3000

// FlightSink pushes chunk-trace record batches to a longbow store over
// Arrow Flight.
type FlightSink struct {
	addr    string
	path    string
	timeout time.Duration
	client  flight.Client
}

// NewFlightSink prepares a sink for the given host/port. The connection is
// established by Connect.
func NewFlightSink(host string, port int, path string) *FlightSink {
	if port <= 0 {
		port = DefaultFlightPort
	}
	if path == "" {
		path = "loss_trace"
	}
	return &FlightSink{
		addr:    fmt.Sprintf("%s:%d", host, port),
		path:    path,
		timeout: 30 * time.Second,
	}
}

// Connect dials the Flight server.
func (s *FlightSink) Connect() error {
	client, err := flight.NewClientWithMiddleware(s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("trace: flight client: %w", err)
	}
	s.client = client
	return nil
}

func (s *FlightSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Put sends one record batch to the store under the sink's descriptor
// path.
func (s *FlightSink) Put(ctx context.Context, rec arrow.Record) error {
	if s.client == nil {
		return fmt.Errorf("trace: flight sink not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("trace: DoPut: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{s.path},
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("trace: write record: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("trace: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("trace: close stream: %w", err)
	}

	// Drain acknowledgements so the server finishes the put.
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: recv ack: %w", err)
		}
	}
}
