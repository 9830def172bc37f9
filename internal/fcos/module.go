package fcos

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/layout"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

// Module is the FCOS detection head post-processing stage.
type Module struct {
	cfg  Config
	post *PostProcessor
	loss detector.LossEvaluator
}

// Option configures a Module.
type Option func(*Module)

// WithLossEvaluator sets the training loss computation.
func WithLossEvaluator(ev detector.LossEvaluator) Option {
	return func(m *Module) { m.loss = ev }
}

// NewModule validates cfg and creates the module.
func NewModule(cfg Config, opts ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Module{cfg: cfg, post: NewPostProcessor(cfg)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name implements detector.CandidateExtractor.
func (m *Module) Name() string { return "fcos" }

// Config returns the module configuration.
func (m *Module) Config() Config { return m.cfg }

// Forward implements detector.CandidateExtractor. Training produces no
// detections; its losses come from the configured evaluator, if any.
func (m *Module) Forward(ctx context.Context, mode detector.Mode, batch detector.Batch) (detector.Result, error) {
	if mode == detector.ModeTrain {
		return m.forwardTrain(ctx, batch)
	}
	if err := detector.ValidateBatch(batch); err != nil {
		return detector.Result{}, err
	}
	if len(m.cfg.FPNStrides) < len(batch.Levels) {
		return detector.Result{}, fmt.Errorf("%w: %d levels but only %d strides configured",
			detector.ErrShapeMismatch, len(batch.Levels), len(m.cfg.FPNStrides))
	}

	sampled := make([][]*structures.BoxList, len(batch.Levels))
	err := detector.ForEachLevel(ctx, len(batch.Levels), m.cfg.MaxWorkers, func(_ context.Context, l int) error {
		level := batch.Levels[l]
		dims, _, err := layout.Float32Data(level.Scores)
		if err != nil {
			return fmt.Errorf("level %d class logits: %w: %w", l, detector.ErrShapeMismatch, err)
		}
		locations := ComputeLocations(dims.H, dims.W, m.cfg.FPNStrides[l])

		lists, err := m.post.ForwardForSingleFeatureMap(locations, level, batch.ImageSizes)
		if err != nil {
			return fmt.Errorf("level %d: %w", l, err)
		}
		slog.Debug("FCOS level extracted", "level", l, "stride", m.cfg.FPNStrides[l], "counts", lengths(lists))
		sampled[l] = lists
		return nil
	})
	if err != nil {
		return detector.Result{}, err
	}

	boxlists, err := detector.ConcatPerImage(sampled)
	if err != nil {
		return detector.Result{}, err
	}
	boxlists, err = m.post.SelectOverAllLevels(boxlists)
	if err != nil {
		return detector.Result{}, err
	}
	return detector.Result{Detections: boxlists, Losses: detector.EmptyLosses()}, nil
}

func (m *Module) forwardTrain(ctx context.Context, batch detector.Batch) (detector.Result, error) {
	if m.loss == nil {
		slog.Debug("No FCOS loss evaluator configured; returning empty training result")
		return detector.Result{Detections: []*structures.BoxList{}, Losses: detector.EmptyLosses()}, nil
	}
	losses, err := m.loss.Evaluate(ctx, nil, batch.Levels, batch.Targets)
	if err != nil {
		return detector.Result{}, fmt.Errorf("fcos loss: %w", err)
	}
	return detector.Result{Detections: []*structures.BoxList{}, Losses: losses}, nil
}

func lengths(lists []*structures.BoxList) []int {
	out := make([]int, len(lists))
	for i, l := range lists {
		out[i] = l.Len()
	}
	return out
}
