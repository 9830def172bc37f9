package fcos

import (
	"fmt"
	"runtime"
)

// Config holds FCOS post-processing settings.
type Config struct {
	PreNMSThresh   float32 // Minimum class probability for a candidate (default: 0.05)
	PreNMSTopN     int     // Per-level, per-image candidates kept before NMS (default: 1000)
	NMSThresh      float32 // Per-class IoU threshold (default: 0.6)
	FPNPostNumTopN int     // Detections kept per image; 0 disables the cut (default: 100)
	MinSize        float32 // Minimum box width/height (default: 0)
	NumClasses     int     // Class count including background (default: 81)
	FPNStrides     []int   // Stride of each pyramid level (default: 8,16,32,64,128)
	MaxWorkers     int     // Levels processed concurrently (default: runtime.NumCPU())
}

// DefaultConfig returns the standard COCO FCOS settings.
func DefaultConfig() Config {
	return Config{
		PreNMSThresh:   0.05,
		PreNMSTopN:     1000,
		NMSThresh:      0.6,
		FPNPostNumTopN: 100,
		MinSize:        0,
		NumClasses:     81,
		FPNStrides:     []int{8, 16, 32, 64, 128},
		MaxWorkers:     runtime.NumCPU(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PreNMSThresh < 0 || c.PreNMSThresh > 1 {
		return fmt.Errorf("invalid fcos pre_nms_thresh: %.2f (must be between 0.0 and 1.0)", c.PreNMSThresh)
	}
	if c.PreNMSTopN <= 0 {
		return fmt.Errorf("invalid fcos pre_nms_top_n: %d (must be positive)", c.PreNMSTopN)
	}
	if c.NMSThresh < 0 || c.NMSThresh > 1 {
		return fmt.Errorf("invalid fcos nms_thresh: %.2f (must be between 0.0 and 1.0)", c.NMSThresh)
	}
	if c.FPNPostNumTopN < 0 {
		return fmt.Errorf("invalid fcos fpn_post_num_top_n: %d (must be >= 0)", c.FPNPostNumTopN)
	}
	if c.MinSize < 0 {
		return fmt.Errorf("invalid fcos min_size: %.2f (must be >= 0)", c.MinSize)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("invalid fcos num_classes: %d (must count background plus at least one class)", c.NumClasses)
	}
	if len(c.FPNStrides) == 0 {
		return fmt.Errorf("fcos fpn_strides cannot be empty")
	}
	for i, s := range c.FPNStrides {
		if s <= 0 {
			return fmt.Errorf("invalid fcos fpn_strides[%d]: %d (must be positive)", i, s)
		}
	}
	return nil
}
