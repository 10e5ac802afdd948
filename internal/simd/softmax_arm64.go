//go:build arm64 && !noasm

package simd

func init() {
	softmaxImpl = softmaxNEON
}

func softmaxNEON(x []float64) {
	// TODO: vectorize the exp loop with NEON intrinsics
	softmaxFallback(x)
}
