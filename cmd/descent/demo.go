package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-descent/internal/client"
	"github.com/23skdu/longbow-descent/internal/simd"
	"github.com/23skdu/longbow-descent/internal/store"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

// GradientSink receives every gradient the demo applies locally, so a remote
// descent server can replay the same updates.
type GradientSink interface {
	DoPut(ctx context.Context, param string, record arrow.RecordBatch) error
	Close() error
}

type demoConfig struct {
	Name      string
	Vocab     int
	Dim       int
	Steps     int
	Batch     int
	LR        float32
	Seed      int64
	SparseCap int64
}

func defaultDemoConfig(name string, lr float32) demoConfig {
	return demoConfig{
		Name:      name,
		Vocab:     32,
		Dim:       8,
		Steps:     50,
		Batch:     8,
		LR:        lr,
		Seed:      1,
		SparseCap: 1 << 20,
	}
}

type demoResult struct {
	InitialLoss float32
	FinalLoss   float32
	Updates     int
	SparseRows  int
}

func (c demoConfig) sparseName() string { return c.Name + ".sparse" }

// target is the fixed embedding every row is pulled toward.
func target(row int64, j int) float32 {
	return float32((row+int64(j))%7) / 7
}

// runDemo fits an embedding table to fixed targets with the squared error
// loss 0.5*|e_r - t_r|^2. The first step uses the full dense gradient; later
// steps send sparse minibatch gradients to both a dense table and a sparse
// one whose rows are materialized on first use.
func runDemo(ctx context.Context, st *store.Store, sink GradientSink, codec *client.Codec, cfg demoConfig) (demoResult, error) {
	var res demoResult
	rng := rand.New(rand.NewSource(cfg.Seed))

	weights := make([]float32, cfg.Vocab*cfg.Dim)
	for i := range weights {
		weights[i] = rng.Float32()
	}
	emb, err := tensor.NewDense(tensor.Shape{cfg.Vocab, cfg.Dim}, weights)
	if err != nil {
		return res, err
	}
	if err := st.Register(cfg.Name, emb); err != nil {
		return res, err
	}
	sp, err := tensor.NewEmptySparseRows(cfg.SparseCap, cfg.Dim)
	if err != nil {
		return res, err
	}
	if err := st.Register(cfg.sparseName(), sp); err != nil {
		return res, err
	}

	if res.InitialLoss, err = demoLoss(st, cfg); err != nil {
		return res, err
	}
	log.Info().Float32("loss", res.InitialLoss).Str("param", cfg.Name).Msg("Demo start")

	lr := tensor.Scalar(cfg.LR)
	apply := func(param string, grad tensor.Variable) error {
		if err := st.Apply(param, grad, lr); err != nil {
			return err
		}
		res.Updates++
		forward(ctx, sink, codec, param, grad, cfg.LR)
		return nil
	}

	full, err := denseGradient(st, cfg)
	if err != nil {
		return res, err
	}
	if err := apply(cfg.Name, full); err != nil {
		return res, err
	}

	for step := 1; step < cfg.Steps; step++ {
		rows := make([]int64, cfg.Batch)
		for i := range rows {
			rows[i] = rng.Int63n(int64(cfg.Vocab))
		}
		grad, err := sparseGradient(st, cfg.Name, rows, int64(cfg.Vocab), cfg.Dim)
		if err != nil {
			return res, err
		}
		if err := apply(cfg.Name, grad); err != nil {
			return res, err
		}

		// Spread the same rows across the large sparse table.
		stride := cfg.SparseCap / int64(cfg.Vocab)
		far := make([]int64, len(rows))
		for i, r := range rows {
			far[i] = r * stride
		}
		added, err := st.Materialize(cfg.sparseName(), far)
		if err != nil {
			return res, err
		}
		res.SparseRows += added
		sgrad, err := sparseGradient(st, cfg.sparseName(), far, cfg.SparseCap, cfg.Dim)
		if err != nil {
			return res, err
		}
		if err := apply(cfg.sparseName(), sgrad); err != nil {
			return res, err
		}

		if step%10 == 0 {
			loss, err := demoLoss(st, cfg)
			if err != nil {
				return res, err
			}
			log.Info().Int("step", step).Float32("loss", loss).Int("sparse_rows", res.SparseRows).Msg("Demo progress")
		}
	}

	if res.FinalLoss, err = demoLoss(st, cfg); err != nil {
		return res, err
	}
	log.Info().
		Float32("initial_loss", res.InitialLoss).
		Float32("final_loss", res.FinalLoss).
		Int("updates", res.Updates).
		Msg("Demo complete")
	return res, nil
}

func forward(ctx context.Context, sink GradientSink, codec *client.Codec, param string, grad tensor.Variable, lr float32) {
	if sink == nil {
		return
	}
	rec, err := codec.Encode(grad, map[string]string{
		client.MetaParam: param,
		client.MetaLR:    fmt.Sprint(lr),
	})
	if err != nil {
		log.Warn().Err(err).Str("param", param).Msg("Failed to encode gradient")
		return
	}
	defer rec.Release()

	if err := sink.DoPut(ctx, param, rec); err != nil {
		log.Warn().Err(err).Str("param", param).Msg("Failed to forward gradient")
	}
}

// demoLoss is 0.5 * sum over the dense table of |e_r - t_r|^2.
func demoLoss(st *store.Store, cfg demoConfig) (float32, error) {
	var loss float32
	err := st.View(cfg.Name, func(v tensor.Variable) error {
		d := v.(*tensor.Dense)
		diff := make([]float32, cfg.Dim)
		for r := 0; r < d.Height(); r++ {
			row := d.Row(r)
			for j := range diff {
				diff[j] = row[j] - target(int64(r), j)
			}
			loss += 0.5 * simd.DotProduct(diff, diff)
		}
		return nil
	})
	return loss, err
}

func denseGradient(st *store.Store, cfg demoConfig) (*tensor.Dense, error) {
	var grad *tensor.Dense
	err := st.View(cfg.Name, func(v tensor.Variable) error {
		d := v.(*tensor.Dense)
		data := make([]float32, d.Numel())
		for r := 0; r < d.Height(); r++ {
			row := d.Row(r)
			for j := range row {
				data[r*cfg.Dim+j] = row[j] - target(int64(r), j)
			}
		}
		var err error
		grad, err = tensor.NewDense(d.Shape(), data)
		return err
	})
	return grad, err
}

// sparseGradient builds the minibatch gradient for rows of the named
// parameter. Duplicate rows contribute once per occurrence.
func sparseGradient(st *store.Store, name string, rows []int64, height int64, dim int) (*tensor.SparseRows, error) {
	data := make([]float32, len(rows)*dim)
	err := st.View(name, func(v tensor.Variable) error {
		for k, r := range rows {
			var cur []float32
			switch p := v.(type) {
			case *tensor.Dense:
				cur = p.Row(int(r))
			case *tensor.SparseRows:
				off := p.Index(r)
				if off < 0 {
					return fmt.Errorf("row %d not materialized in %s", r, name)
				}
				cur = p.Value().Row(int(off))
			}
			for j := 0; j < dim; j++ {
				data[k*dim+j] = cur[j] - target(r, j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	value, err := tensor.NewDense(tensor.Shape{len(rows), dim}, data)
	if err != nil {
		return nil, err
	}
	return tensor.NewSparseRows(height, rows, value)
}
