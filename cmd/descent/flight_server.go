package main

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-descent/internal/client"
	"github.com/23skdu/longbow-descent/internal/sgd"
	"github.com/23skdu/longbow-descent/internal/store"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

// DescentFlightServer applies gradient records received over DoPut to the
// parameter store. The descriptor path names the parameter; records may
// override it with client.MetaParam.
type DescentFlightServer struct {
	flight.BaseFlightServer
	store     *store.Store
	codec     *client.Codec
	alloc     memory.Allocator
	admit     *Admission
	defaultLR float32
}

func NewDescentFlightServer(st *store.Store, admit *Admission, defaultLR float32) *DescentFlightServer {
	alloc := memory.NewGoAllocator()
	return &DescentFlightServer{
		store:     st,
		codec:     client.NewCodec(alloc),
		alloc:     alloc,
		admit:     admit,
		defaultLR: defaultLR,
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrInvalidName),
		errors.Is(err, tensor.ErrInvalidShape),
		errors.Is(err, sgd.ErrShapeMismatch):
		return codes.InvalidArgument
	case errors.Is(err, sgd.ErrInvariantViolation):
		return codes.FailedPrecondition
	case errors.Is(err, sgd.ErrUnsupportedVariant):
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

func (s *DescentFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return status.Error(codes.Unimplemented, "DoExchange not implemented")
}

func (s *DescentFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read stream: %v", err)
	}
	defer reader.Release()

	applied := 0
	for reader.Next() {
		rec := reader.Record()

		param, ok := client.ParamName(rec)
		if !ok {
			if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
				param = desc.Path[0]
			}
		}

		lr, ok, err := client.LearningRate(rec)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%s: %v", param, err)
		}
		if !ok {
			lr = tensor.Scalar(s.defaultLR)
		}

		grad, err := s.codec.Decode(rec)
		if err != nil {
			return status.Errorf(grpcCode(err), "%s: %v", param, err)
		}
		if err := s.admit.Apply(ctx, s.store, param, grad, lr); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("param", param).Int("applied", applied).Msg("DoPut update rejected")
			return status.Error(grpcCode(err), err.Error())
		}
		applied++
		log.Debug().Str("param", param).Int("rows", gradRows(grad)).Msg("DoPut applied gradient")
	}
	if err := reader.Err(); err != nil {
		return status.Errorf(codes.InvalidArgument, "read stream: %v", err)
	}

	span.SetAttributes(attribute.Int("applied", applied))
	return nil
}

func StartFlightServer(addr string, srv *DescentFlightServer) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(srv)

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Descent Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
