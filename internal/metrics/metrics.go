package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalForwards atomic.Int64

var (
	ForwardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_forwards_total",
		Help: "The total number of attention forward passes executed",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "attention_forward_duration_seconds",
		Help: "Duration of full attention forward passes",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_stage_duration_seconds",
		Help:    "Histogram of per-stage execution times within a forward pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	MaskCoercions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mask_byte_coercions_total",
		Help: "Total number of deprecated byte masks coerced to bool",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	SourceLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_source_length",
		Help:    "Distribution of source sequence lengths processed",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	})

	ApproximationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approximations_total",
		Help: "Total number of layers converted to trainable approximations",
	})

	CheckpointBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkpoint_bytes",
		Help: "Size in bytes of the last written weight checkpoint",
	})
)

func RecordForward(duration time.Duration) {
	ForwardsTotal.Inc()
	ForwardDuration.Observe(duration.Seconds())
	totalForwards.Add(1)
}

func RecordStage(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordMaskCoercion() {
	MaskCoercions.Inc()
}

func RecordNumericalInstability(tensor string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infCount))
	}
}

func RecordSourceLength(srcLen int) {
	SourceLengthHistogram.Observe(float64(srcLen))
}

func RecordApproximation() {
	ApproximationsTotal.Inc()
}

func RecordCheckpointBytes(n int64) {
	CheckpointBytes.Set(float64(n))
}

// TotalForwards returns the process-local forward count, independent of the
// prometheus registry.
func TotalForwards() int64 {
	return totalForwards.Load()
}
