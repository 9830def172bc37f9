// Package fcos post-processes anchor-free FCOS head outputs into per-image,
// per-class detections.
package fcos

import (
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/detpost/internal/boxcoder"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/layout"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

// PostProcessor turns class, regression and centerness maps into
// detections.
type PostProcessor struct {
	cfg Config
}

// NewPostProcessor creates a post-processor for cfg.
func NewPostProcessor(cfg Config) *PostProcessor {
	return &PostProcessor{cfg: cfg}
}

// ComputeLocations returns the image-space centre of every cell of an h x w
// feature map with the given stride, row by row.
func ComputeLocations(h, w, stride int) []structures.Point {
	half := stride / 2
	out := make([]structures.Point, 0, h*w)
	for y := range h {
		for x := range w {
			out = append(out, structures.Point{
				X: float32(x*stride + half),
				Y: float32(y*stride + half),
			})
		}
	}
	return out
}

type levelData struct {
	dims       layout.NCHW
	cls        []float32
	reg        []float32
	centerness []float32
}

// ForwardForSingleFeatureMap extracts the candidates of one level. The level
// holds class logits [N,C,H,W] with C = NumClasses-1, edge distances
// [N,4,H,W] and centerness [N,1,H,W]; locations has one point per cell.
func (p *PostProcessor) ForwardForSingleFeatureMap(locations []structures.Point, level detector.Level,
	sizes []structures.Size,
) ([]*structures.BoxList, error) {
	ld, err := p.flatten(level, len(locations))
	if err != nil {
		return nil, err
	}
	defer ld.release()

	if len(sizes) != ld.dims.N {
		return nil, fmt.Errorf("%w: %d images in tensors, %d image sizes", detector.ErrShapeMismatch, ld.dims.N, len(sizes))
	}

	hw, c := ld.dims.Spatial(), ld.dims.C
	results := make([]*structures.BoxList, ld.dims.N)
	for i := range ld.dims.N {
		boxes, err := p.detectionsForImage(
			locations,
			ld.cls[i*hw*c:(i+1)*hw*c],
			ld.reg[i*hw*4:(i+1)*hw*4],
			ld.centerness[i*hw:(i+1)*hw],
			c, sizes[i])
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		results[i] = boxes
	}
	return results, nil
}

func (p *PostProcessor) flatten(level detector.Level, numLocations int) (*levelData, error) {
	dims, clsData, err := layout.Float32Data(level.Scores)
	if err != nil {
		return nil, fmt.Errorf("class logits: %w: %w", detector.ErrShapeMismatch, err)
	}
	regDims, regData, err := layout.Float32Data(level.Regression)
	if err != nil {
		return nil, fmt.Errorf("box regression: %w: %w", detector.ErrShapeMismatch, err)
	}
	ctrDims, ctrData, err := layout.Float32Data(level.Centerness)
	if err != nil {
		return nil, fmt.Errorf("centerness: %w: %w", detector.ErrShapeMismatch, err)
	}

	if dims.C != p.cfg.NumClasses-1 {
		return nil, fmt.Errorf("%w: %d class channels for %d classes including background",
			detector.ErrShapeMismatch, dims.C, p.cfg.NumClasses)
	}
	want := layout.NCHW{N: dims.N, C: 4, H: dims.H, W: dims.W}
	if regDims != want {
		return nil, fmt.Errorf("%w: box regression %v, want %v", detector.ErrShapeMismatch, regDims, want)
	}
	want.C = 1
	if ctrDims != want {
		return nil, fmt.Errorf("%w: centerness %v, want %v", detector.ErrShapeMismatch, ctrDims, want)
	}
	if numLocations != dims.Spatial() {
		return nil, fmt.Errorf("%w: %d locations for a %dx%d feature map",
			detector.ErrShapeMismatch, numLocations, dims.H, dims.W)
	}

	ld := &levelData{dims: dims}
	if ld.cls, err = layout.PermuteAndFlatten(clsData, dims, 1, dims.C); err != nil {
		return nil, fmt.Errorf("class logits: %w", err)
	}
	if ld.reg, err = layout.PermuteAndFlatten(regData, regDims, 1, 4); err != nil {
		ld.release()
		return nil, fmt.Errorf("box regression: %w", err)
	}
	if ld.centerness, err = layout.PermuteAndFlatten(ctrData, ctrDims, 1, 1); err != nil {
		ld.release()
		return nil, fmt.Errorf("centerness: %w", err)
	}
	layout.SigmoidInPlace(ld.cls)
	layout.SigmoidInPlace(ld.centerness)
	return ld, nil
}

func (ld *levelData) release() {
	for _, buf := range [][]float32{ld.cls, ld.reg, ld.centerness} {
		if buf != nil {
			layout.Release(buf)
		}
	}
}

// detectionsForImage works on one image's rows: cls is [HW, C], reg is
// [HW, 4] and centerness is [HW], all already through the sigmoid where
// applicable.
func (p *PostProcessor) detectionsForImage(locations []structures.Point, cls, reg, centerness []float32,
	numChannels int, size structures.Size,
) (*structures.BoxList, error) {
	var (
		locIdx []int
		labels []int64
		scores []float32
	)
	for loc := range locations {
		row := cls[loc*numChannels : (loc+1)*numChannels]
		for c, prob := range row {
			if prob <= p.cfg.PreNMSThresh {
				continue
			}
			locIdx = append(locIdx, loc)
			labels = append(labels, int64(c+1))
			scores = append(scores, prob*centerness[loc])
		}
	}

	if len(scores) > p.cfg.PreNMSTopN {
		top := structures.TopK(scores, p.cfg.PreNMSTopN)
		locIdx = gather(locIdx, top)
		labels = gather(labels, top)
		scores = gather(scores, top)
	}

	dist := make([]float32, 4*len(locIdx))
	points := make([]structures.Point, len(locIdx))
	for j, loc := range locIdx {
		copy(dist[4*j:4*j+4], reg[4*loc:4*loc+4])
		points[j] = locations[loc]
	}

	boxlist, err := structures.New(boxcoder.DecodeLocations(dist, points), size)
	if err != nil {
		return nil, err
	}
	if err := boxlist.AddInt64Field(structures.FieldLabels, labels); err != nil {
		return nil, err
	}
	if err := boxlist.AddFloat32Field(structures.FieldScores, scores); err != nil {
		return nil, err
	}
	boxlist = boxlist.ClipToImage(false)
	return boxlist.RemoveSmallBoxes(p.cfg.MinSize), nil
}

func gather[T any](values []T, indices []int) []T {
	out := make([]T, len(indices))
	for i, idx := range indices {
		out[i] = values[idx]
	}
	return out
}

// SelectOverAllLevels runs NMS separately for every foreground class of each
// image, so boxes of different classes never suppress each other, and then
// caps the number of detections. The cap keeps every box scoring at least the
// FPNPostNumTopN-th best score, so ties at the cut are kept together.
func (p *PostProcessor) SelectOverAllLevels(boxlists []*structures.BoxList) ([]*structures.BoxList, error) {
	out := make([]*structures.BoxList, len(boxlists))
	for i, bl := range boxlists {
		selected, err := p.selectForImage(bl)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = selected
	}
	return out, nil
}

func (p *PostProcessor) selectForImage(bl *structures.BoxList) (*structures.BoxList, error) {
	labels, err := bl.Int64Field(structures.FieldLabels)
	if err != nil {
		return nil, err
	}

	perClass := make([]*structures.BoxList, 0, p.cfg.NumClasses-1)
	for j := 1; j < p.cfg.NumClasses; j++ {
		var idx []int
		for k, label := range labels {
			if label == int64(j) {
				idx = append(idx, k)
			}
		}
		kept, err := structures.NMS(bl.Select(idx), p.cfg.NMSThresh, -1, structures.FieldScores)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", j, err)
		}
		perClass = append(perClass, kept)
	}

	result, err := structures.CatBoxList(perClass...)
	if err != nil {
		return nil, err
	}

	topN := p.cfg.FPNPostNumTopN
	if topN <= 0 || result.Len() <= topN {
		return result, nil
	}

	scores, err := result.Float32Field(structures.FieldScores)
	if err != nil {
		return nil, err
	}
	thresh, _ := structures.KthLargest(scores, topN)
	keep := make([]bool, len(scores))
	for k, s := range scores {
		keep[k] = s >= thresh
	}
	slog.Debug("FCOS detection cap applied", "before", result.Len(), "top_n", topN, "threshold", thresh)
	return result.Mask(keep)
}
