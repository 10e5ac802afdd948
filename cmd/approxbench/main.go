package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/AlessioBray/he-compliant-approximation/internal/approx"
	"github.com/AlessioBray/he-compliant-approximation/internal/checkpoint"
	"github.com/AlessioBray/he-compliant-approximation/internal/config"
	"github.com/AlessioBray/he-compliant-approximation/internal/logger"
	"github.com/AlessioBray/he-compliant-approximation/internal/monitoring"
	"github.com/AlessioBray/he-compliant-approximation/internal/nn"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

var (
	embedDim    = flag.Int("embed-dim", 256, "Embedding dimension")
	numHeads    = flag.Int("heads", 8, "Number of attention heads")
	batchSize   = flag.Int("batch", 4, "Batch size")
	seqLen      = flag.Int("seq", 64, "Sequence length")
	iters       = flag.Int("n", 50, "Number of forward passes")
	dropoutP    = flag.Float64("dropout", 0.0, "Dropout probability")
	kernelName  = flag.String("kernel", "softmax", "Normalization kernel: softmax or taylor")
	ckptPath    = flag.String("checkpoint", "", "Optional path to round-trip weights through")
	ckptEnc     = flag.String("encoding", "f32", "Checkpoint encoding: f32 or f16")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	seed        = flag.Int64("seed", 42, "RNG seed for weights and inputs")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	// Serve /health, /status and /metrics while the benchmark runs.
	monitor := monitoring.NewHealthMonitor()
	go func() {
		if err := monitor.Start(*metricsAddr); err != nil {
			log.Printf("Health monitor error: %v", err)
		}
	}()

	cfg := config.Default(*embedDim, *numHeads)
	cfg.Dropout = *dropoutP

	rng := rand.New(rand.NewSource(*seed))
	layer, err := nn.NewMultiheadAttention(cfg, rng)
	if err != nil {
		log.Fatalf("Failed to build reference layer: %v", err)
	}

	params := approx.Params{}
	switch *kernelName {
	case "softmax":
	case "taylor":
		// Polynomial kernels need a finite fill value for masked scores.
		fill := -1e4
		params.MaskFillValue = &fill
		params.Funcs = nn.Funcs{Kernel: nn.TaylorSoftmax}
	default:
		log.Fatalf("Unknown kernel %q (want softmax or taylor)", *kernelName)
	}

	approximator := approx.NewMultiheadApproximator(params)
	m, err := approximator.GetTrainableApproximation(layer)
	if err != nil {
		log.Fatalf("Failed to approximate layer: %v", err)
	}
	m.Eval()

	if *ckptPath != "" {
		enc := checkpoint.Float32
		if *ckptEnc == "f16" {
			enc = checkpoint.Float16
		}
		if err := checkpoint.Save(*ckptPath, m, enc); err != nil {
			log.Fatalf("Checkpoint save failed: %v", err)
		}
		if err := checkpoint.Load(*ckptPath, m); err != nil {
			log.Fatalf("Checkpoint load failed: %v", err)
		}
	}

	query := randomTensor(rng, *seqLen, *batchSize, *embedDim)

	logger.Log.Info("running forward passes",
		"iters", *iters, "embed_dim", *embedDim, "heads", *numHeads,
		"batch", *batchSize, "seq", *seqLen, "kernel", *kernelName)

	var out *tensor.Tensor
	start := time.Now()
	for i := 0; i < *iters; i++ {
		passStart := time.Now()
		out, _, err = m.Forward(query, query, query, nn.DefaultForwardOptions())
		if err != nil {
			log.Fatalf("Forward pass %d failed: %v", i, err)
		}
		monitor.RecordForward(time.Since(passStart))
	}
	elapsed := time.Since(start)

	stats := tensor.ComputeStats(out.Data())
	logger.Log.Info("done",
		"total", elapsed.String(),
		"per_pass", (elapsed / time.Duration(*iters)).String(),
		"out_mean", fmt.Sprintf("%.6f", stats.Mean),
		"out_rms", fmt.Sprintf("%.6f", stats.RMS))
	if !stats.IsFinite() {
		monitor.RecordInstability("output", stats.NaNs, stats.Infs)
		logger.Log.Error("output contains non-finite values",
			"nans", stats.NaNs, "infs", stats.Infs)
		os.Exit(1)
	}
}

func randomTensor(rng *rand.Rand, dims ...int) *tensor.Tensor {
	t := tensor.New(dims...)
	data := t.Data()
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return t
}
