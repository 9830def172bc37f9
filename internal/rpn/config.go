package rpn

import (
	"fmt"
	"runtime"

	"github.com/MeKo-Tech/detpost/internal/boxcoder"
	"github.com/MeKo-Tech/detpost/internal/detector"
)

// PhaseConfig holds the candidate caps that differ between training and
// inference.
type PhaseConfig struct {
	PreNMSTopN     int // Per-level, per-image candidates kept before NMS
	PostNMSTopN    int // Per-level, per-image proposals kept after NMS
	FPNPostNMSTopN int // Proposals kept after merging levels
}

// Config holds RPN post-processing settings.
type Config struct {
	Train PhaseConfig
	Test  PhaseConfig

	NMSThresh          float32          // IoU threshold for per-level NMS (default: 0.7)
	MinSize            float32          // Minimum proposal width/height (default: 0)
	FPNPostNMSPerBatch bool             // Share the merged top-n across the batch while training
	RPNOnly            bool             // The detector has no second stage
	BBoxRegWeights     boxcoder.Weights // Delta weights (default: 1,1,1,1)
	MaxWorkers         int              // Levels processed concurrently (default: runtime.NumCPU())
}

// DefaultConfig returns the standard FPN RPN settings.
func DefaultConfig() Config {
	return Config{
		Train: PhaseConfig{
			PreNMSTopN:     2000,
			PostNMSTopN:    2000,
			FPNPostNMSTopN: 2000,
		},
		Test: PhaseConfig{
			PreNMSTopN:     1000,
			PostNMSTopN:    1000,
			FPNPostNMSTopN: 2000,
		},
		NMSThresh:          0.7,
		MinSize:            0,
		FPNPostNMSPerBatch: true,
		RPNOnly:            false,
		BBoxRegWeights:     boxcoder.DefaultWeights,
		MaxWorkers:         runtime.NumCPU(),
	}
}

// Phase returns the caps for the given mode.
func (c Config) Phase(mode detector.Mode) PhaseConfig {
	if mode == detector.ModeTrain {
		return c.Train
	}
	return c.Test
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for name, p := range map[string]PhaseConfig{"train": c.Train, "test": c.Test} {
		if p.PreNMSTopN <= 0 {
			return fmt.Errorf("invalid rpn %s pre_nms_top_n: %d (must be positive)", name, p.PreNMSTopN)
		}
		if p.PostNMSTopN <= 0 {
			return fmt.Errorf("invalid rpn %s post_nms_top_n: %d (must be positive)", name, p.PostNMSTopN)
		}
		if p.FPNPostNMSTopN <= 0 {
			return fmt.Errorf("invalid rpn %s fpn_post_nms_top_n: %d (must be positive)", name, p.FPNPostNMSTopN)
		}
	}
	if c.NMSThresh < 0 || c.NMSThresh > 1 {
		return fmt.Errorf("invalid rpn nms_thresh: %.2f (must be between 0.0 and 1.0)", c.NMSThresh)
	}
	if c.MinSize < 0 {
		return fmt.Errorf("invalid rpn min_size: %.2f (must be >= 0)", c.MinSize)
	}
	for i, w := range c.BBoxRegWeights {
		if w == 0 {
			return fmt.Errorf("invalid rpn bbox_reg_weights[%d]: must be non-zero", i)
		}
	}
	return nil
}
