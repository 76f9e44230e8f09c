package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-descent/internal/client"
	"github.com/23skdu/longbow-descent/internal/kernel"
	"github.com/23skdu/longbow-descent/internal/sgd"
	"github.com/23skdu/longbow-descent/internal/store"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

var (
	listenAddr       = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr       = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr       = flag.String("server", "", "Descent Flight server to replay demo gradients on (e.g. localhost:9090)")
	datasetName      = flag.String("dataset", "embedding", "Parameter name used by the demo")
	maxConcurrent    = flag.Int("max-concurrent", 16384, "Maximum number of gradient rows applied concurrently")
	enableOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	learningRate     = flag.Float64("lr", 0.1, "Default learning rate when a request does not carry one")
	kernelName       = flag.String("kernel", "simd", "Dense update kernel: 'simd' or 'blas'")
	cpuProfile       = flag.String("cpuprofile", "", "Write cpu profile to file")
	steps            = flag.Int("steps", 50, "Demo training steps")
	flagTransportFmt = flag.String("transport-fmt", "cbor", "Demo output format: 'cbor' (default) or 'arrow'")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	k, err := kernel.New(*kernelName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to select kernel")
	}
	engine := sgd.New(sgd.WithKernel(k))
	st := store.New(engine)
	lr := float32(*learningRate)
	log.Info().Str("kernel", engine.KernelName()).Float32("lr", lr).Msg("SGD engine ready")

	// Server Mode
	admit := NewAdmission(*maxConcurrent)
	if *listenAddr != "" {
		go startServer(*listenAddr, NewServer(st, admit, lr))
	}
	if *flightAddr != "" {
		StartFlightServer(*flightAddr, NewDescentFlightServer(st, admit, lr))
		return
	}
	if *listenAddr != "" {
		select {}
	}

	var sink GradientSink
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Replaying gradients on Flight server")
		sink = fc
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool := memory.NewGoAllocator()
	codec := client.NewCodec(pool)
	cfg := defaultDemoConfig(*datasetName, lr)
	cfg.Steps = *steps

	start := time.Now()
	res, err := runDemo(ctx, st, sink, codec, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("updates", res.Updates).
		Float64("ups", float64(res.Updates)/time.Since(start).Seconds()).
		Msg("Applied updates")

	if sink != nil {
		return
	}
	if err := writeParams(os.Stdout, st, codec, *flagTransportFmt); err != nil {
		log.Warn().Err(err).Msg("Failed to write parameters")
	}
}

// writeParams dumps every parameter to w. The cbor format writes one map of
// name to client.Tensor; the arrow format writes one IPC stream per
// parameter.
func writeParams(w io.Writer, st *store.Store, codec *client.Codec, format string) error {
	switch format {
	case "cbor":
		out := make(map[string]client.Tensor, st.Len())
		for _, name := range st.Names() {
			err := st.View(name, func(v tensor.Variable) error {
				t, err := client.FromVariable(v)
				out[name] = t
				return err
			})
			if err != nil {
				return err
			}
		}
		return cbor.NewEncoder(w).Encode(out)
	case "arrow":
		for _, name := range st.Names() {
			var rec arrow.RecordBatch
			err := st.View(name, func(v tensor.Variable) error {
				var err error
				rec, err = codec.Encode(v, map[string]string{client.MetaParam: name})
				return err
			})
			if err != nil {
				return err
			}
			err = writeArrowStream(w, rec)
			rec.Release()
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown transport format: %s", format)
	}
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("descent"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
