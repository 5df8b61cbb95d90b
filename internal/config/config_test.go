package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Enabled {
		t.Error("default config should enable the fused path")
	}
	if cfg.IgnoreIndex != DefaultIgnoreIndex {
		t.Errorf("ignore index = %d, want %d", cfg.IgnoreIndex, DefaultIgnoreIndex)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero chunks", func(c *Config) { c.ChunkCount = 0 }, "chunk_count"},
		{"negative chunks", func(c *Config) { c.ChunkCount = -2 }, "chunk_count"},
		{"bad reduction", func(c *Config) { c.Reduction = "median" }, "reduction"},
		{"empty reduction", func(c *Config) { c.Reduction = "" }, "reduction"},
		{"sum reduction", func(c *Config) { c.Reduction = ReductionSum }, ""},
		{"bad precision", func(c *Config) { c.Precision = PrecisionMode(99) }, "precision"},
		{"f16 precision", func(c *Config) { c.Precision = PrecisionF16 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestPrecisionModeString(t *testing.T) {
	if PrecisionAuto.String() != "auto" || PrecisionF32.String() != "f32" || PrecisionF16.String() != "f16" {
		t.Error("unexpected precision mode names")
	}
}
