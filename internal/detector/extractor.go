// Package detector defines the contract shared by the detection-head
// post-processors: the per-level inputs, the train/test mode switch and the
// CandidateExtractor strategy implemented by the rpn and fcos packages.
package detector

import (
	"context"
	"errors"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/MeKo-Tech/detpost/internal/structures"
)

// ErrShapeMismatch reports inputs whose dimensions disagree with the
// declared channel layout, anchor counts or batch size.
var ErrShapeMismatch = errors.New("shape mismatch")

// Mode selects the training or inference policy for one forward call.
type Mode int

const (
	ModeTest Mode = iota
	ModeTrain
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts "train" or "test" into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "train":
		return ModeTrain, nil
	case "test", "":
		return ModeTest, nil
	default:
		return ModeTest, fmt.Errorf("invalid mode %q (must be train or test)", s)
	}
}

// Level is the head output for one pyramid level. All tensors are float32
// NCHW with the same N, H and W.
type Level struct {
	// Scores holds objectness logits [N, A, H, W] or class logits [N, C, H, W].
	Scores *tensor.Dense
	// Regression holds box deltas [N, 4A, H, W] or edge distances [N, 4, H, W].
	Regression *tensor.Dense
	// Centerness holds [N, 1, H, W] logits; nil for anchor-based heads.
	Centerness *tensor.Dense
}

// Batch is everything one forward call consumes.
type Batch struct {
	Levels []Level
	// Anchors is indexed [image][level]; anchor-based heads only.
	Anchors [][]*structures.BoxList
	// ImageSizes holds one entry per image.
	ImageSizes []structures.Size
	// Targets holds ground truth per image; training only.
	Targets []*structures.BoxList
}

// NumImages returns the batch size.
func (b Batch) NumImages() int { return len(b.ImageSizes) }

// Result is the output of one forward call.
type Result struct {
	// Detections holds one BoxList per image.
	Detections []*structures.BoxList
	// Losses is empty outside training.
	Losses map[string]float32
}

// CandidateExtractor turns dense head outputs into per-image detections.
type CandidateExtractor interface {
	Name() string
	Forward(ctx context.Context, mode Mode, batch Batch) (Result, error)
}

// LossEvaluator computes training losses from the raw head outputs. It is
// supplied by the training code; post-processing only forwards to it.
type LossEvaluator interface {
	Evaluate(ctx context.Context, anchors [][]*structures.BoxList, levels []Level,
		targets []*structures.BoxList) (map[string]float32, error)
}

// RegroupByImage turns level-major lists ([level][image]) into image-major
// lists ([image][level]).
func RegroupByImage(perLevel [][]*structures.BoxList) [][]*structures.BoxList {
	if len(perLevel) == 0 {
		return nil
	}
	numImages := len(perLevel[0])
	out := make([][]*structures.BoxList, numImages)
	for i := range numImages {
		out[i] = make([]*structures.BoxList, len(perLevel))
		for l := range perLevel {
			out[i][l] = perLevel[l][i]
		}
	}
	return out
}

// ConcatPerImage regroups level-major lists and concatenates each image's
// levels into one BoxList.
func ConcatPerImage(perLevel [][]*structures.BoxList) ([]*structures.BoxList, error) {
	byImage := RegroupByImage(perLevel)
	out := make([]*structures.BoxList, len(byImage))
	for i, lists := range byImage {
		cat, err := structures.CatBoxList(lists...)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = cat
	}
	return out, nil
}

// ValidateBatch checks the parts of a batch that every head relies on.
func ValidateBatch(b Batch) error {
	if len(b.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrShapeMismatch)
	}
	if b.NumImages() == 0 {
		return fmt.Errorf("%w: no image sizes", ErrShapeMismatch)
	}
	for i, s := range b.ImageSizes {
		if !s.Valid() {
			return fmt.Errorf("%w: image %d has size %dx%d", ErrShapeMismatch, i, s.Width, s.Height)
		}
	}
	return nil
}

// EmptyLosses returns the loss map used outside training.
func EmptyLosses() map[string]float32 {
	return map[string]float32{}
}
