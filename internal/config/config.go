package config

import (
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/detpost/internal/boxcoder"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/fcos"
	"github.com/MeKo-Tech/detpost/internal/rpn"
)

// Head names accepted by the head setting.
const (
	HeadRPN  = "rpn"
	HeadFCOS = "fcos"
)

// Config represents the complete configuration for the detpost engine.
// It can be loaded from configuration files, environment variables and
// command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Head selects the post-processor: rpn or fcos.
	Head string `mapstructure:"head" yaml:"head" json:"head"`
	// Mode is the default forward mode: train or test.
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode"`

	RPN      RPNConfig      `mapstructure:"rpn" yaml:"rpn" json:"rpn"`
	FCOS     FCOSConfig     `mapstructure:"fcos" yaml:"fcos" json:"fcos"`
	Parallel ParallelConfig `mapstructure:"parallel" yaml:"parallel" json:"parallel"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// RPNConfig contains region proposal post-processing settings.
type RPNConfig struct {
	PreNMSTopNTrain     int       `mapstructure:"pre_nms_top_n_train" yaml:"pre_nms_top_n_train" json:"pre_nms_top_n_train"`
	PreNMSTopNTest      int       `mapstructure:"pre_nms_top_n_test" yaml:"pre_nms_top_n_test" json:"pre_nms_top_n_test"`
	PostNMSTopNTrain    int       `mapstructure:"post_nms_top_n_train" yaml:"post_nms_top_n_train" json:"post_nms_top_n_train"`
	PostNMSTopNTest     int       `mapstructure:"post_nms_top_n_test" yaml:"post_nms_top_n_test" json:"post_nms_top_n_test"`
	FPNPostNMSTopNTrain int       `mapstructure:"fpn_post_nms_top_n_train" yaml:"fpn_post_nms_top_n_train" json:"fpn_post_nms_top_n_train"`
	FPNPostNMSTopNTest  int       `mapstructure:"fpn_post_nms_top_n_test" yaml:"fpn_post_nms_top_n_test" json:"fpn_post_nms_top_n_test"`
	NMSThresh           float64   `mapstructure:"nms_thresh" yaml:"nms_thresh" json:"nms_thresh"`
	MinSize             float64   `mapstructure:"min_size" yaml:"min_size" json:"min_size"`
	FPNPostNMSPerBatch  bool      `mapstructure:"fpn_post_nms_per_batch" yaml:"fpn_post_nms_per_batch" json:"fpn_post_nms_per_batch"`
	RPNOnly             bool      `mapstructure:"rpn_only" yaml:"rpn_only" json:"rpn_only"`
	BBoxRegWeights      []float64 `mapstructure:"bbox_reg_weights" yaml:"bbox_reg_weights" json:"bbox_reg_weights"`
}

// FCOSConfig contains FCOS post-processing settings.
type FCOSConfig struct {
	PreNMSThresh   float64 `mapstructure:"pre_nms_thresh" yaml:"pre_nms_thresh" json:"pre_nms_thresh"`
	PreNMSTopN     int     `mapstructure:"pre_nms_top_n" yaml:"pre_nms_top_n" json:"pre_nms_top_n"`
	NMSThresh      float64 `mapstructure:"nms_thresh" yaml:"nms_thresh" json:"nms_thresh"`
	FPNPostNumTopN int     `mapstructure:"fpn_post_num_top_n" yaml:"fpn_post_num_top_n" json:"fpn_post_num_top_n"`
	MinSize        float64 `mapstructure:"min_size" yaml:"min_size" json:"min_size"`
	NumClasses     int     `mapstructure:"num_classes" yaml:"num_classes" json:"num_classes"`
	FPNStrides     []int   `mapstructure:"fpn_strides" yaml:"fpn_strides" json:"fpn_strides"`
}

// ParallelConfig contains per-level concurrency settings.
type ParallelConfig struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers" json:"max_workers"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Head:     HeadRPN,
		Mode:     detector.ModeTest.String(),
		RPN:      defaultRPNConfig(),
		FCOS:     defaultFCOSConfig(),
		Parallel: ParallelConfig{MaxWorkers: runtime.NumCPU()},
		Metrics:  MetricsConfig{Enabled: true},
	}
}

func defaultRPNConfig() RPNConfig {
	cfg := rpn.DefaultConfig()
	weights := make([]float64, len(cfg.BBoxRegWeights))
	for i, w := range cfg.BBoxRegWeights {
		weights[i] = widen(w)
	}
	return RPNConfig{
		PreNMSTopNTrain:     cfg.Train.PreNMSTopN,
		PreNMSTopNTest:      cfg.Test.PreNMSTopN,
		PostNMSTopNTrain:    cfg.Train.PostNMSTopN,
		PostNMSTopNTest:     cfg.Test.PostNMSTopN,
		FPNPostNMSTopNTrain: cfg.Train.FPNPostNMSTopN,
		FPNPostNMSTopNTest:  cfg.Test.FPNPostNMSTopN,
		NMSThresh:           widen(cfg.NMSThresh),
		MinSize:             widen(cfg.MinSize),
		FPNPostNMSPerBatch:  cfg.FPNPostNMSPerBatch,
		RPNOnly:             cfg.RPNOnly,
		BBoxRegWeights:      weights,
	}
}

func defaultFCOSConfig() FCOSConfig {
	cfg := fcos.DefaultConfig()
	return FCOSConfig{
		PreNMSThresh:   widen(cfg.PreNMSThresh),
		PreNMSTopN:     cfg.PreNMSTopN,
		NMSThresh:      widen(cfg.NMSThresh),
		FPNPostNumTopN: cfg.FPNPostNumTopN,
		MinSize:        widen(cfg.MinSize),
		NumClasses:     cfg.NumClasses,
		FPNStrides:     slices.Clone(cfg.FPNStrides),
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validHeads := []string{HeadRPN, HeadFCOS}
	if !contains(validHeads, c.Head) {
		return fmt.Errorf("invalid head: %s (must be one of: %s)", c.Head, strings.Join(validHeads, ", "))
	}
	if _, err := detector.ParseMode(c.Mode); err != nil {
		return err
	}

	if err := validateThreshold(c.RPN.NMSThresh, "rpn.nms_thresh"); err != nil {
		return err
	}
	if err := validateThreshold(c.FCOS.PreNMSThresh, "fcos.pre_nms_thresh"); err != nil {
		return err
	}
	if err := validateThreshold(c.FCOS.NMSThresh, "fcos.nms_thresh"); err != nil {
		return err
	}

	if c.Parallel.MaxWorkers <= 0 {
		return fmt.Errorf("invalid parallel max workers: %d (must be positive)", c.Parallel.MaxWorkers)
	}
	if len(c.RPN.BBoxRegWeights) != 4 {
		return fmt.Errorf("invalid rpn.bbox_reg_weights: need 4 values, got %d", len(c.RPN.BBoxRegWeights))
	}

	if err := c.ToRPNConfig().Validate(); err != nil {
		return err
	}
	return c.ToFCOSConfig().Validate()
}

// ParsedMode returns Mode as a detector.Mode.
func (c *Config) ParsedMode() (detector.Mode, error) {
	return detector.ParseMode(c.Mode)
}

// ToRPNConfig converts to rpn.Config.
func (c *Config) ToRPNConfig() rpn.Config {
	cfg := rpn.DefaultConfig()
	cfg.Train = rpn.PhaseConfig{
		PreNMSTopN:     c.RPN.PreNMSTopNTrain,
		PostNMSTopN:    c.RPN.PostNMSTopNTrain,
		FPNPostNMSTopN: c.RPN.FPNPostNMSTopNTrain,
	}
	cfg.Test = rpn.PhaseConfig{
		PreNMSTopN:     c.RPN.PreNMSTopNTest,
		PostNMSTopN:    c.RPN.PostNMSTopNTest,
		FPNPostNMSTopN: c.RPN.FPNPostNMSTopNTest,
	}
	cfg.NMSThresh = float32(c.RPN.NMSThresh)
	cfg.MinSize = float32(c.RPN.MinSize)
	cfg.FPNPostNMSPerBatch = c.RPN.FPNPostNMSPerBatch
	cfg.RPNOnly = c.RPN.RPNOnly
	if len(c.RPN.BBoxRegWeights) == 4 {
		var w boxcoder.Weights
		for i, v := range c.RPN.BBoxRegWeights {
			w[i] = float32(v)
		}
		cfg.BBoxRegWeights = w
	}
	cfg.MaxWorkers = c.Parallel.MaxWorkers
	return cfg
}

// ToFCOSConfig converts to fcos.Config.
func (c *Config) ToFCOSConfig() fcos.Config {
	cfg := fcos.DefaultConfig()
	cfg.PreNMSThresh = float32(c.FCOS.PreNMSThresh)
	cfg.PreNMSTopN = c.FCOS.PreNMSTopN
	cfg.NMSThresh = float32(c.FCOS.NMSThresh)
	cfg.FPNPostNumTopN = c.FCOS.FPNPostNumTopN
	cfg.MinSize = float32(c.FCOS.MinSize)
	cfg.NumClasses = c.FCOS.NumClasses
	cfg.FPNStrides = slices.Clone(c.FCOS.FPNStrides)
	cfg.MaxWorkers = c.Parallel.MaxWorkers
	return cfg
}

// Helper functions

// widen converts a float32 default to the float64 with the same shortest
// decimal form, so 0.7 stays 0.7 in generated files.
func widen(v float32) float64 {
	f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	return f
}

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}
