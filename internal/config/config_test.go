package config

import (
	"math"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default(512, 8)

	if cfg.EmbedDim != 512 {
		t.Errorf("expected EmbedDim 512, got %d", cfg.EmbedDim)
	}
	if cfg.NumHeads != 8 {
		t.Errorf("expected NumHeads 8, got %d", cfg.NumHeads)
	}
	if cfg.Dropout != 0.0 {
		t.Errorf("expected Dropout 0.0, got %v", cfg.Dropout)
	}
	if !cfg.Bias {
		t.Error("expected Bias to be true")
	}
	if cfg.KDim != 512 || cfg.VDim != 512 {
		t.Errorf("expected KDim/VDim to default to EmbedDim, got %d/%d", cfg.KDim, cfg.VDim)
	}
	if !math.IsInf(cfg.MaskFillValue, -1) {
		t.Errorf("expected MaskFillValue -Inf, got %v", cfg.MaskFillValue)
	}
	if !cfg.QKVSameEmbedDim() {
		t.Error("expected QKVSameEmbedDim for default config")
	}
	if cfg.HeadDim() != 64 {
		t.Errorf("expected HeadDim 64, got %d", cfg.HeadDim())
	}
}

func TestNormalize(t *testing.T) {
	cfg := Config{EmbedDim: 16, NumHeads: 4}.Normalize()
	if cfg.KDim != 16 || cfg.VDim != 16 {
		t.Errorf("Normalize should default KDim/VDim to EmbedDim, got %d/%d", cfg.KDim, cfg.VDim)
	}
	if !math.IsInf(cfg.MaskFillValue, -1) {
		t.Errorf("Normalize should default MaskFillValue to -Inf, got %v", cfg.MaskFillValue)
	}

	cfg = Config{EmbedDim: 16, NumHeads: 4, KDim: 8, VDim: 12, MaskFillValue: -1e9}.Normalize()
	if cfg.KDim != 8 || cfg.VDim != 12 {
		t.Errorf("Normalize must not override explicit dims, got %d/%d", cfg.KDim, cfg.VDim)
	}
	if cfg.MaskFillValue != -1e9 {
		t.Errorf("Normalize must not override explicit fill value, got %v", cfg.MaskFillValue)
	}
	if cfg.QKVSameEmbedDim() {
		t.Error("differing kdim/vdim must not report QKVSameEmbedDim")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Default(64, 4),
			wantErr: false,
		},
		{
			name:    "valid finite fill value",
			config:  Config{EmbedDim: 64, NumHeads: 4, KDim: 64, VDim: 64, MaskFillValue: -1e4},
			wantErr: false,
		},
		{
			name:    "zero embed dim",
			config:  Config{EmbedDim: 0, NumHeads: 4, KDim: 1, VDim: 1, MaskFillValue: -1},
			wantErr: true,
		},
		{
			name:    "negative heads",
			config:  Config{EmbedDim: 64, NumHeads: -1, KDim: 64, VDim: 64, MaskFillValue: -1},
			wantErr: true,
		},
		{
			name:    "dropout of one",
			config:  Config{EmbedDim: 64, NumHeads: 4, Dropout: 1.0, KDim: 64, VDim: 64, MaskFillValue: -1},
			wantErr: true,
		},
		{
			name:    "negative dropout",
			config:  Config{EmbedDim: 64, NumHeads: 4, Dropout: -0.1, KDim: 64, VDim: 64, MaskFillValue: -1},
			wantErr: true,
		},
		{
			name:    "zero kdim",
			config:  Config{EmbedDim: 64, NumHeads: 4, KDim: 0, VDim: 64, MaskFillValue: -1},
			wantErr: true,
		},
		{
			name:    "positive fill value",
			config:  Config{EmbedDim: 64, NumHeads: 4, KDim: 64, VDim: 64, MaskFillValue: 1.0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
