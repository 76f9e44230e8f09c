//go:build ignore

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-descent/internal/client"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

// Usage: go run scripts/verify_flight.go [flight-addr] [http-addr]
// against `descent -listen :8080 -flight :9090`.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flightAddr := "localhost:9090"
	httpAddr := "http://localhost:8080"
	if len(os.Args) > 1 {
		flightAddr = os.Args[1]
	}
	if len(os.Args) > 2 {
		httpAddr = os.Args[2]
	}
	param := fmt.Sprintf("verify-%d", time.Now().UnixNano())

	body, _ := cbor.Marshal(client.Tensor{Kind: "Dense", Shape: []int{4, 2}, Data: make([]float32, 8)})
	req, _ := http.NewRequest(http.MethodPut, httpAddr+"/params/"+param, bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("Register failed")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatal().Int("status", resp.StatusCode).Msg("Register rejected")
	}
	log.Info().Str("param", param).Msg("Registered parameter")

	c, err := client.NewFlightClient(flightAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create flight client")
	}
	defer c.Close()

	codec := client.NewCodec(memory.NewGoAllocator())
	value, _ := tensor.NewDense(tensor.Shape{2, 2}, []float32{1, 1, 1, 1})
	grad, _ := tensor.NewSparseRows(4, []int64{1, 3}, value)
	rec, err := codec.Encode(grad, map[string]string{client.MetaLR: "1"})
	if err != nil {
		log.Fatal().Err(err).Msg("Encode failed")
	}
	defer rec.Release()

	// Retry while the server comes up.
	for i := 0; i < 10; i++ {
		err = c.DoPut(context.Background(), param, rec)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("DoPut failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("DoPut failed after retries")
	}

	resp, err = http.Get(httpAddr + "/params/" + param)
	if err != nil {
		log.Fatal().Err(err).Msg("Fetch failed")
	}
	defer resp.Body.Close()

	var got client.Tensor
	if err := cbor.NewDecoder(resp.Body).Decode(&got); err != nil {
		log.Fatal().Err(err).Msg("Decode failed")
	}

	want := []float32{0, 0, -1, -1, 0, 0, -1, -1}
	for i, v := range want {
		if got.Data[i] != v {
			log.Fatal().Int("index", i).Float32("got", got.Data[i]).Float32("want", v).Msg("Value mismatch")
		}
	}
	log.Info().Interface("data", got.Data).Msg("Parameter updated")

	fmt.Println("VERIFICATION PASSED")
}
