package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned by DoPut while the breaker rejects sends.
var ErrCircuitOpen = errors.New("circuit breaker open")

// FlightClient ships gradient records to a descent server via Apache Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// DoPut sends a RecordBatch for the named parameter. The descriptor path
// carries the parameter name.
func (c *FlightClient) DoPut(ctx context.Context, param string, record arrow.RecordBatch) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := c.doPut(ctx, param, record); err != nil {
		c.breaker.Failure()
		return err
	}
	c.breaker.Success()
	return nil
}

func (c *FlightClient) doPut(ctx context.Context, param string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}
	return sendRecord(stream, param, record)
}

// sendRecord writes record on stream and waits for the server to finish.
// The writer and the send side are closed on every path.
func sendRecord(stream flight.FlightService_DoPutClient, param string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{param},
	}

	writer := flight.NewRecordWriter(stream)
	// The descriptor travels with the first message.
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		_ = stream.CloseSend()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = stream.CloseSend()
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain the server's results so errors surface here.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// State reports the breaker state.
func (c *FlightClient) State() State {
	return c.breaker.State()
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
