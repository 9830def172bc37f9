// Package pipeline wires a configured detection head to metrics and logging
// and runs it over one or many batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/detpost/internal/config"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/fcos"
	"github.com/MeKo-Tech/detpost/internal/metrics"
	"github.com/MeKo-Tech/detpost/internal/rpn"
)

// ErrNotInitialized is returned by methods called on a nil or empty Pipeline.
var ErrNotInitialized = errors.New("pipeline not initialized")

// Pipeline runs one detection head and records what it did.
type Pipeline struct {
	extractor detector.CandidateExtractor
	mode      detector.Mode
	parallel  ParallelConfig
	recorder  *metrics.Recorder
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	recorder  *metrics.Recorder
	logger    *slog.Logger
	loss      detector.LossEvaluator
	extractor detector.CandidateExtractor
	progress  ProgressCallback
}

// WithRecorder sets the metrics recorder. Without it, metrics.Default is used
// when metrics are enabled in the configuration.
func WithRecorder(r *metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLossEvaluator passes a training loss evaluator to the configured head.
func WithLossEvaluator(ev detector.LossEvaluator) Option {
	return func(o *options) { o.loss = ev }
}

// WithExtractor replaces the head built from the configuration.
func WithExtractor(e detector.CandidateExtractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithProgress sets the callback used by ForwardBatches.
func WithProgress(cb ProgressCallback) Option {
	return func(o *options) { o.progress = cb }
}

// New validates cfg and builds the configured head.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	mode, err := cfg.ParsedMode()
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	extractor := o.extractor
	if extractor == nil {
		extractor, err = buildExtractor(cfg, o.loss)
		if err != nil {
			return nil, err
		}
	}

	recorder := o.recorder
	if recorder == nil && cfg.Metrics.Enabled {
		recorder = metrics.Default()
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		extractor: extractor,
		mode:      mode,
		parallel: ParallelConfig{
			MaxWorkers:       cfg.Parallel.MaxWorkers,
			ProgressCallback: o.progress,
		},
		recorder: recorder,
		logger:   logger.With("head", extractor.Name()),
	}, nil
}

func buildExtractor(cfg config.Config, loss detector.LossEvaluator) (detector.CandidateExtractor, error) {
	switch cfg.Head {
	case config.HeadRPN:
		var opts []rpn.Option
		if loss != nil {
			opts = append(opts, rpn.WithLossEvaluator(loss))
		}
		m, err := rpn.NewModule(cfg.ToRPNConfig(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build rpn head: %w", err)
		}
		return m, nil
	case config.HeadFCOS:
		var opts []fcos.Option
		if loss != nil {
			opts = append(opts, fcos.WithLossEvaluator(loss))
		}
		m, err := fcos.NewModule(cfg.ToFCOSConfig(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build fcos head: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown head %q", cfg.Head)
	}
}

// Head returns the name of the configured head.
func (p *Pipeline) Head() string {
	if p == nil || p.extractor == nil {
		return ""
	}
	return p.extractor.Name()
}

// Mode returns the default mode used by Run.
func (p *Pipeline) Mode() detector.Mode { return p.mode }

// Run calls Forward with the configured default mode.
func (p *Pipeline) Run(ctx context.Context, batch detector.Batch) (detector.Result, error) {
	return p.Forward(ctx, p.mode, batch)
}

// Forward runs the head on one batch and records timing and box counts.
func (p *Pipeline) Forward(ctx context.Context, mode detector.Mode, batch detector.Batch) (detector.Result, error) {
	if p == nil || p.extractor == nil {
		return detector.Result{}, ErrNotInitialized
	}
	head := p.extractor.Name()

	start := time.Now()
	res, err := p.extractor.Forward(ctx, mode, batch)
	elapsed := time.Since(start)

	if p.recorder != nil {
		p.recorder.ObserveForward(head, mode.String(), elapsed, err)
	}
	if err != nil {
		p.logger.Debug("forward failed", "mode", mode, "error", err)
		return detector.Result{}, err
	}

	selected := make([]int, len(res.Detections))
	for i, bl := range res.Detections {
		selected[i] = bl.Len()
	}
	if p.recorder != nil {
		p.recorder.ObserveCandidates(head, metrics.StageScored, ScoredPerImage(batch))
		p.recorder.ObserveCandidates(head, metrics.StageSelected, selected)
	}
	p.logger.Debug("forward completed",
		"mode", mode,
		"images", batch.NumImages(),
		"levels", len(batch.Levels),
		"boxes", selected,
		"losses", len(res.Losses),
		"duration", elapsed,
	)
	return res, nil
}

// ScoredPerImage returns, per image, the number of score entries the head
// received over all levels.
func ScoredPerImage(batch detector.Batch) []int {
	counts := make([]int, batch.NumImages())
	for _, lvl := range batch.Levels {
		if lvl.Scores == nil {
			continue
		}
		shape := lvl.Scores.Shape()
		if len(shape) != 4 {
			continue
		}
		perImage := shape[1] * shape[2] * shape[3]
		for i := range counts {
			counts[i] += perImage
		}
	}
	return counts
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg  config.Config
	opts []Option
}

// NewBuilder starts from config.DefaultConfig.
func NewBuilder() *Builder { return &Builder{cfg: config.DefaultConfig()} }

// NewBuilderFromConfig starts from cfg.
func NewBuilderFromConfig(cfg config.Config) *Builder { return &Builder{cfg: cfg} }

// WithHead selects the rpn or fcos head.
func (b *Builder) WithHead(head string) *Builder {
	if head != "" {
		b.cfg.Head = head
	}
	return b
}

// WithMode sets the default mode used by Run.
func (b *Builder) WithMode(mode detector.Mode) *Builder {
	b.cfg.Mode = mode.String()
	return b
}

// WithMaxWorkers bounds level and batch concurrency.
func (b *Builder) WithMaxWorkers(n int) *Builder {
	if n > 0 {
		b.cfg.Parallel.MaxWorkers = n
	}
	return b
}

// WithNMSThreshold sets the IoU threshold of the selected head.
func (b *Builder) WithNMSThreshold(iou float64) *Builder {
	switch b.cfg.Head {
	case config.HeadFCOS:
		b.cfg.FCOS.NMSThresh = iou
	default:
		b.cfg.RPN.NMSThresh = iou
	}
	return b
}

// WithMinSize sets the minimum box side of the selected head.
func (b *Builder) WithMinSize(size float64) *Builder {
	switch b.cfg.Head {
	case config.HeadFCOS:
		b.cfg.FCOS.MinSize = size
	default:
		b.cfg.RPN.MinSize = size
	}
	return b
}

// WithRPNOnly marks the rpn head as the final stage of the detector.
func (b *Builder) WithRPNOnly(enabled bool) *Builder {
	b.cfg.RPN.RPNOnly = enabled
	return b
}

// WithNumClasses sets the fcos class count, background included.
func (b *Builder) WithNumClasses(n int) *Builder {
	b.cfg.FCOS.NumClasses = n
	return b
}

// WithMetrics toggles metrics recording.
func (b *Builder) WithMetrics(enabled bool) *Builder {
	b.cfg.Metrics.Enabled = enabled
	return b
}

// WithOptions appends pipeline options.
func (b *Builder) WithOptions(opts ...Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Config returns the configuration accumulated so far.
func (b *Builder) Config() config.Config { return b.cfg }

// Build validates the configuration and creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.cfg, b.opts...)
}
