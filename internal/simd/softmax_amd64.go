//go:build amd64 && !noasm

package simd

func init() {
	softmaxImpl = softmaxAVX2
}

func softmaxAVX2(x []float64) {
	// TODO: vectorize the exp loop with AVX2 intrinsics
	softmaxFallback(x)
}
