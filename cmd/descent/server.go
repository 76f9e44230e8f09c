package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-descent/internal/client"
	"github.com/23skdu/longbow-descent/internal/sgd"
	"github.com/23skdu/longbow-descent/internal/store"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_requests_total",
		Help: "HTTP requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "descent_request_duration_seconds",
		Help:    "Time spent serving update requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

const contentTypeCBOR = "application/cbor"

type Server struct {
	store     *store.Store
	codec     *client.Codec
	alloc     memory.Allocator
	admit     *Admission
	defaultLR float32
}

func NewServer(st *store.Store, admit *Admission, defaultLR float32) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		store:     st,
		codec:     client.NewCodec(alloc),
		alloc:     alloc,
		admit:     admit,
		defaultLR: defaultLR,
	}
}

// Handler returns the HTTP routes served by s.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/update/arrow", s.handleUpdateArrow)
	mux.HandleFunc("GET /params", s.handleListParams)
	mux.HandleFunc("GET /params/{name}", s.handleGetParam)
	mux.HandleFunc("PUT /params/{name}", s.handleRegisterParam)
	mux.HandleFunc("POST /params/{name}/rows", s.handleMaterialize)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "descent_parameters",
			Help: "Number of registered parameters",
		},
		func() float64 {
			return float64(srv.store.Len())
		},
	))

	log.Info().Str("addr", addr).Msg("Starting Descent Server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("descent-server")

// statusFor maps store and engine errors to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidName),
		errors.Is(err, tensor.ErrInvalidShape),
		errors.Is(err, sgd.ErrShapeMismatch),
		errors.Is(err, sgd.ErrInvariantViolation):
		return http.StatusBadRequest
	case errors.Is(err, sgd.ErrUnsupportedVariant):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) apply(ctx context.Context, param string, grad tensor.Variable, lr *tensor.Dense) error {
	return s.admit.Apply(ctx, s.store, param, grad, lr)
}

func writeCBOR(w http.ResponseWriter, code int, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("CBOR encode: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleUpdate")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("update", strconv.Itoa(code)).Inc()
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	var req client.UpdateRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), code)
		return
	}

	resp := client.UpdateResponse{Param: req.Param}
	grad, err := req.Grad.Variable()
	if err != nil {
		span.RecordError(err)
		code = http.StatusBadRequest
		resp.Error = err.Error()
		writeCBOR(w, code, resp)
		return
	}
	resp.Rows = gradRows(grad)

	span.SetAttributes(
		attribute.String("param", req.Param),
		attribute.String("grad_kind", grad.Kind().String()),
		attribute.Int("rows", resp.Rows),
	)

	if err := s.apply(ctx, req.Param, grad, tensor.Scalar(req.LR)); err != nil {
		span.RecordError(err)
		code = statusFor(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusServiceUnavailable
		}
		resp.Error = err.Error()
		resp.Kind = sgd.Kind(err)
		log.Warn().Err(err).Str("param", req.Param).Int("code", code).Msg("Update rejected")
		writeCBOR(w, code, resp)
		return
	}

	writeCBOR(w, code, resp)
}

// recordLR reads the learning rate from the record metadata, then the lr
// query parameter, then the server default.
func (s *Server) recordLR(rec arrow.RecordBatch, query string) (*tensor.Dense, error) {
	lr, ok, err := client.LearningRate(rec)
	if err != nil {
		return nil, err
	}
	if ok {
		return lr, nil
	}
	if query != "" {
		f, err := strconv.ParseFloat(query, 32)
		if err != nil {
			return nil, fmt.Errorf("bad lr %q: %w", query, err)
		}
		return tensor.Scalar(float32(f)), nil
	}
	return tensor.Scalar(s.defaultLR), nil
}

func (s *Server) handleUpdateArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleUpdateArrow")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues("update_arrow").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("update_arrow", strconv.Itoa(code)).Inc()
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), code)
		return
	}
	defer reader.Release()

	query := r.URL.Query()
	applied := 0
	for reader.Next() {
		rec := reader.Record()

		param, ok := client.ParamName(rec)
		if !ok {
			param = query.Get("param")
		}
		lr, err := s.recordLR(rec, query.Get("lr"))
		if err == nil {
			var grad tensor.Variable
			grad, err = s.codec.Decode(rec)
			if err == nil {
				span.AddEvent("record", trace.WithAttributes(
					attribute.String("param", param),
					attribute.Int("rows", gradRows(grad)),
				))
				err = s.apply(ctx, param, grad, lr)
			}
		}
		if err != nil {
			span.RecordError(err)
			code = statusFor(err)
			log.Warn().Err(err).Str("param", param).Int("applied", applied).Msg("Arrow update rejected")
			http.Error(w, fmt.Sprintf("Applied %d updates, then: %v", applied, err), code)
			return
		}
		applied++
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		code = http.StatusBadRequest
		http.Error(w, "Stream error", code)
		return
	}

	span.SetAttributes(attribute.Int("applied", applied))
	w.WriteHeader(code)
	fmt.Fprintf(w, "Applied %d updates", applied)
}

func (s *Server) handleListParams(w http.ResponseWriter, r *http.Request) {
	writeCBOR(w, http.StatusOK, s.store.Names())
}

func (s *Server) handleGetParam(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var out client.Tensor
	err := s.store.View(name, func(v tensor.Variable) error {
		var err error
		out, err = client.FromVariable(v)
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeCBOR(w, http.StatusOK, out)
}

func (s *Server) handleRegisterParam(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var t client.Tensor
	if err := cbor.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	v, err := t.Variable()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Register(name, v); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var rows []int64
	if err := cbor.NewDecoder(r.Body).Decode(&rows); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	added, err := s.store.Materialize(name, rows)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeCBOR(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
