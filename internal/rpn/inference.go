// Package rpn post-processes region-proposal-network outputs: per-level
// top-k and NMS over decoded anchors, cross-level selection and, while
// training, ground-truth injection.
package rpn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/detpost/internal/boxcoder"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/layout"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

// PostProcessor selects proposals for one phase (training or inference).
type PostProcessor struct {
	phase      PhaseConfig
	nmsThresh  float32
	minSize    float32
	perBatch   bool
	coder      *boxcoder.BoxCoder
	maxWorkers int
}

// NewPostProcessor builds the proposal selector for mode. The per-batch
// merged top-n only applies to the training selector.
func NewPostProcessor(cfg Config, mode detector.Mode, coder *boxcoder.BoxCoder) *PostProcessor {
	return &PostProcessor{
		phase:      cfg.Phase(mode),
		nmsThresh:  cfg.NMSThresh,
		minSize:    cfg.MinSize,
		perBatch:   cfg.FPNPostNMSPerBatch && mode == detector.ModeTrain,
		coder:      coder,
		maxWorkers: cfg.MaxWorkers,
	}
}

// ForwardForSingleFeatureMap turns one level's objectness [N,A,H,W] and
// regression [N,4A,H,W] into one proposal list per image. anchors holds
// this level's anchors per image, each with A*H*W boxes.
func (p *PostProcessor) ForwardForSingleFeatureMap(anchors []*structures.BoxList, level detector.Level,
	sizes []structures.Size,
) ([]*structures.BoxList, error) {
	dims, objData, err := layout.Float32Data(level.Scores)
	if err != nil {
		return nil, fmt.Errorf("objectness: %w: %w", detector.ErrShapeMismatch, err)
	}
	regDims, regData, err := layout.Float32Data(level.Regression)
	if err != nil {
		return nil, fmt.Errorf("box regression: %w: %w", detector.ErrShapeMismatch, err)
	}

	n, a := dims.N, dims.C
	if regDims.N != n || regDims.C != 4*a || regDims.H != dims.H || regDims.W != dims.W {
		return nil, fmt.Errorf("%w: box regression %v does not match objectness %v", detector.ErrShapeMismatch, regDims, dims)
	}
	if len(anchors) != n || len(sizes) != n {
		return nil, fmt.Errorf("%w: %d images in tensors, %d anchor lists, %d image sizes",
			detector.ErrShapeMismatch, n, len(anchors), len(sizes))
	}
	numAnchors := a * dims.Spatial()
	for i, anc := range anchors {
		if anc.Len() != numAnchors {
			return nil, fmt.Errorf("%w: image %d has %d anchors, level expects %d",
				detector.ErrShapeMismatch, i, anc.Len(), numAnchors)
		}
	}

	objectness, err := layout.PermuteAndFlatten(objData, dims, a, 1)
	if err != nil {
		return nil, fmt.Errorf("objectness: %w: %w", detector.ErrShapeMismatch, err)
	}
	defer layout.Release(objectness)
	regression, err := layout.PermuteAndFlatten(regData, regDims, a, 4)
	if err != nil {
		return nil, fmt.Errorf("box regression: %w: %w", detector.ErrShapeMismatch, err)
	}
	defer layout.Release(regression)
	layout.SigmoidInPlace(objectness)

	results := make([]*structures.BoxList, n)
	for i := range n {
		scores := objectness[i*numAnchors : (i+1)*numAnchors]
		deltas := regression[i*numAnchors*4 : (i+1)*numAnchors*4]
		boxes, err := p.proposalsForImage(anchors[i], scores, deltas, sizes[i])
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		results[i] = boxes
	}
	return results, nil
}

func (p *PostProcessor) proposalsForImage(anchors *structures.BoxList, scores, deltas []float32,
	size structures.Size,
) (*structures.BoxList, error) {
	topIdx := structures.TopK(scores, p.phase.PreNMSTopN)

	topScores := make([]float32, len(topIdx))
	topDeltas := make([]float32, 4*len(topIdx))
	topAnchors := make([]structures.Box, len(topIdx))
	for j, idx := range topIdx {
		topScores[j] = scores[idx]
		copy(topDeltas[4*j:4*j+4], deltas[4*idx:4*idx+4])
		topAnchors[j] = anchors.Box(idx)
	}

	boxlist, err := structures.New(p.coder.Decode(topDeltas, topAnchors), size)
	if err != nil {
		return nil, err
	}
	if err := boxlist.AddFloat32Field(structures.FieldObjectness, topScores); err != nil {
		return nil, err
	}
	boxlist = boxlist.ClipToImage(false)
	boxlist = boxlist.RemoveSmallBoxes(p.minSize)
	return structures.NMS(boxlist, p.nmsThresh, p.phase.PostNMSTopN, structures.FieldObjectness)
}

// Forward runs every level, merges each image's levels and applies the
// cross-level selection. anchors is indexed [image][level].
func (p *PostProcessor) Forward(ctx context.Context, anchors [][]*structures.BoxList, levels []detector.Level,
	sizes []structures.Size,
) ([]*structures.BoxList, error) {
	if len(anchors) != len(sizes) {
		return nil, fmt.Errorf("%w: %d anchor sets for %d images", detector.ErrShapeMismatch, len(anchors), len(sizes))
	}
	for i, perImage := range anchors {
		if len(perImage) != len(levels) {
			return nil, fmt.Errorf("%w: image %d has anchors for %d levels, got %d levels",
				detector.ErrShapeMismatch, i, len(perImage), len(levels))
		}
	}

	anchorsPerLevel := make([][]*structures.BoxList, len(levels))
	for l := range levels {
		anchorsPerLevel[l] = make([]*structures.BoxList, len(anchors))
		for i := range anchors {
			anchorsPerLevel[l][i] = anchors[i][l]
		}
	}

	sampled := make([][]*structures.BoxList, len(levels))
	err := detector.ForEachLevel(ctx, len(levels), p.maxWorkers, func(_ context.Context, l int) error {
		lists, err := p.ForwardForSingleFeatureMap(anchorsPerLevel[l], levels[l], sizes)
		if err != nil {
			return fmt.Errorf("level %d: %w", l, err)
		}
		sampled[l] = lists
		return nil
	})
	if err != nil {
		return nil, err
	}

	boxlists, err := detector.ConcatPerImage(sampled)
	if err != nil {
		return nil, err
	}

	if len(levels) > 1 {
		boxlists, err = SelectOverAllLevels(boxlists, p.phase.FPNPostNMSTopN, p.perBatch)
		if err != nil {
			return nil, err
		}
	}

	slog.Debug("RPN proposals selected",
		"levels", len(levels),
		"images", len(boxlists),
		"per_batch", p.perBatch,
		"counts", lengths(boxlists))
	return boxlists, nil
}

// SelectOverAllLevels keeps the topN proposals by objectness after levels
// have been merged. With perBatch set, the cut is taken over the whole batch
// at once, so one image's strong proposals can take quota from another's;
// survivors keep their original order. Otherwise each image keeps its own
// topN, ordered by descending objectness.
func SelectOverAllLevels(boxlists []*structures.BoxList, topN int, perBatch bool) ([]*structures.BoxList, error) {
	out := make([]*structures.BoxList, len(boxlists))

	if !perBatch {
		for i, bl := range boxlists {
			objectness, err := bl.Float32Field(structures.FieldObjectness)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", i, err)
			}
			out[i] = bl.Select(structures.TopK(objectness, topN))
		}
		return out, nil
	}

	var all []float32
	offsets := make([]int, len(boxlists)+1)
	for i, bl := range boxlists {
		objectness, err := bl.Float32Field(structures.FieldObjectness)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		all = append(all, objectness...)
		offsets[i+1] = offsets[i] + len(objectness)
	}

	keep := make([]bool, len(all))
	for _, idx := range structures.TopK(all, topN) {
		keep[idx] = true
	}
	for i, bl := range boxlists {
		masked, err := bl.Mask(keep[offsets[i]:offsets[i+1]])
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = masked
	}
	return out, nil
}

// AddGTProposals appends each image's ground-truth boxes to its proposals
// with objectness 1. Target fields are not carried over.
func AddGTProposals(proposals, targets []*structures.BoxList) ([]*structures.BoxList, error) {
	if len(proposals) != len(targets) {
		return nil, fmt.Errorf("%w: %d proposal lists, %d target lists",
			detector.ErrShapeMismatch, len(proposals), len(targets))
	}

	out := make([]*structures.BoxList, len(proposals))
	for i, target := range targets {
		gt, err := target.CopyWithFields()
		if err != nil {
			return nil, err
		}
		ones := make([]float32, gt.Len())
		for j := range ones {
			ones[j] = 1
		}
		if err := gt.AddFloat32Field(structures.FieldObjectness, ones); err != nil {
			return nil, err
		}
		merged, err := structures.CatBoxList(proposals[i], gt)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = merged
	}
	return out, nil
}

func lengths(lists []*structures.BoxList) []int {
	out := make([]int, len(lists))
	for i, l := range lists {
		out[i] = l.Len()
	}
	return out
}
