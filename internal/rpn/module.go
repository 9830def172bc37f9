package rpn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/detpost/internal/boxcoder"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

// Module dispatches an RPN forward pass to the training or inference
// selector and shapes the result for the next stage.
type Module struct {
	cfg   Config
	coder *boxcoder.BoxCoder
	train *PostProcessor
	test  *PostProcessor
	loss  detector.LossEvaluator
}

// Option configures a Module.
type Option func(*Module)

// WithLossEvaluator sets the training loss computation.
func WithLossEvaluator(ev detector.LossEvaluator) Option {
	return func(m *Module) { m.loss = ev }
}

// WithBoxCoder overrides the coder built from BBoxRegWeights.
func WithBoxCoder(c *boxcoder.BoxCoder) Option {
	return func(m *Module) { m.coder = c }
}

// NewModule validates cfg and builds both phase selectors.
func NewModule(cfg Config, opts ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Module{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.coder == nil {
		m.coder = boxcoder.New(cfg.BBoxRegWeights, boxcoder.BBoxXformClip)
	}
	m.train = NewPostProcessor(cfg, detector.ModeTrain, m.coder)
	m.test = NewPostProcessor(cfg, detector.ModeTest, m.coder)
	return m, nil
}

// Name implements detector.CandidateExtractor.
func (m *Module) Name() string { return "rpn" }

// Config returns the module configuration.
func (m *Module) Config() Config { return m.cfg }

// Forward implements detector.CandidateExtractor.
//
// In training, an RPN-only detector returns the anchors themselves; otherwise
// proposals are selected and the ground truth is appended. At inference,
// proposals of an RPN-only detector are reordered by objectness.
func (m *Module) Forward(ctx context.Context, mode detector.Mode, batch detector.Batch) (detector.Result, error) {
	if err := detector.ValidateBatch(batch); err != nil {
		return detector.Result{}, err
	}
	if len(batch.Anchors) != batch.NumImages() {
		return detector.Result{}, fmt.Errorf("%w: %d anchor sets for %d images",
			detector.ErrShapeMismatch, len(batch.Anchors), batch.NumImages())
	}

	switch mode {
	case detector.ModeTrain:
		return m.forwardTrain(ctx, batch)
	case detector.ModeTest:
		return m.forwardTest(ctx, batch)
	default:
		return detector.Result{}, fmt.Errorf("unsupported mode %v", mode)
	}
}

func (m *Module) forwardTrain(ctx context.Context, batch detector.Batch) (detector.Result, error) {
	if len(batch.Targets) != batch.NumImages() {
		return detector.Result{}, fmt.Errorf("%w: %d target lists for %d images",
			detector.ErrShapeMismatch, len(batch.Targets), batch.NumImages())
	}

	var boxes []*structures.BoxList
	if m.cfg.RPNOnly {
		merged := make([]*structures.BoxList, len(batch.Anchors))
		for i, perLevel := range batch.Anchors {
			cat, err := structures.CatBoxList(perLevel...)
			if err != nil {
				return detector.Result{}, fmt.Errorf("image %d anchors: %w", i, err)
			}
			merged[i] = cat
		}
		boxes = merged
	} else {
		proposals, err := m.train.Forward(ctx, batch.Anchors, batch.Levels, batch.ImageSizes)
		if err != nil {
			return detector.Result{}, err
		}
		boxes, err = AddGTProposals(proposals, batch.Targets)
		if err != nil {
			return detector.Result{}, err
		}
	}

	losses := detector.EmptyLosses()
	if m.loss != nil {
		var err error
		losses, err = m.loss.Evaluate(ctx, batch.Anchors, batch.Levels, batch.Targets)
		if err != nil {
			return detector.Result{}, fmt.Errorf("rpn loss: %w", err)
		}
	} else {
		slog.Debug("No RPN loss evaluator configured; returning empty losses")
	}
	return detector.Result{Detections: boxes, Losses: losses}, nil
}

func (m *Module) forwardTest(ctx context.Context, batch detector.Batch) (detector.Result, error) {
	boxes, err := m.test.Forward(ctx, batch.Anchors, batch.Levels, batch.ImageSizes)
	if err != nil {
		return detector.Result{}, err
	}
	if m.cfg.RPNOnly {
		for i, b := range boxes {
			sorted, err := b.SortByField(structures.FieldObjectness)
			if err != nil {
				return detector.Result{}, fmt.Errorf("image %d: %w", i, err)
			}
			boxes[i] = sorted
		}
	}
	return detector.Result{Detections: boxes, Losses: detector.EmptyLosses()}, nil
}
