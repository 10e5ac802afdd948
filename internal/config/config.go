package config

import (
	"fmt"
	"math"
)

// Config holds the construction-time parameters of a multi-head attention
// layer. Treated as immutable once the layer is built.
type Config struct {
	EmbedDim    int
	NumHeads    int
	Dropout     float64
	Bias        bool
	AddBiasKV   bool
	AddZeroAttn bool
	KDim        int // key feature dim, defaults to EmbedDim
	VDim        int // value feature dim, defaults to EmbedDim
	BatchFirst  bool

	// MaskFillValue is added to masked score positions. -Inf reproduces
	// the reference behavior; HE-friendly kernels substitute a large
	// finite negative value.
	MaskFillValue float64
}

func (c *Config) Validate() error {
	if c.EmbedDim <= 0 {
		return fmt.Errorf("invalid embed_dim: %d (must be positive)", c.EmbedDim)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("invalid dropout: %f (must be in [0, 1))", c.Dropout)
	}
	if c.KDim <= 0 {
		return fmt.Errorf("invalid kdim: %d (must be positive)", c.KDim)
	}
	if c.VDim <= 0 {
		return fmt.Errorf("invalid vdim: %d (must be positive)", c.VDim)
	}
	if math.IsNaN(c.MaskFillValue) || c.MaskFillValue > 0 {
		return fmt.Errorf("invalid mask_fill_value: %f (must be non-positive)", c.MaskFillValue)
	}
	return nil
}

// QKVSameEmbedDim reports whether the packed in-projection layout applies.
func (c *Config) QKVSameEmbedDim() bool {
	return c.KDim == c.EmbedDim && c.VDim == c.EmbedDim
}

func (c *Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// Normalize fills defaulted fields: KDim/VDim fall back to EmbedDim and a
// zero MaskFillValue becomes -Inf.
func (c Config) Normalize() Config {
	if c.KDim == 0 {
		c.KDim = c.EmbedDim
	}
	if c.VDim == 0 {
		c.VDim = c.EmbedDim
	}
	if c.MaskFillValue == 0 {
		c.MaskFillValue = math.Inf(-1)
	}
	return c
}

func Default(embedDim, numHeads int) Config {
	return Config{
		EmbedDim:      embedDim,
		NumHeads:      numHeads,
		Dropout:       0.0,
		Bias:          true,
		KDim:          embedDim,
		VDim:          embedDim,
		MaskFillValue: math.Inf(-1),
	}
}
