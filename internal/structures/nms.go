package structures

import (
	"fmt"

	"github.com/MeKo-Tech/detpost/internal/mempool"
)

// NMS performs greedy non-maximum suppression over the boxes of l, ranked by
// the float column scoreField. A box is suppressed when its IoU with an
// already accepted box exceeds thresh. When maxKeep > 0 at most maxKeep boxes
// are returned. The result is ordered by descending score.
func NMS(l *BoxList, thresh float32, maxKeep int, scoreField Field) (*BoxList, error) {
	scores, ok := l.floats[scoreField]
	if !ok {
		return nil, fmt.Errorf("nms: %w: %q", ErrUnknownField, scoreField)
	}
	if l.Len() == 0 {
		return l.Copy(), nil
	}

	order := TopK(scores, len(scores))
	suppressed := mempool.GetBool(len(order))
	defer mempool.PutBool(suppressed)

	keep := make([]int, 0, len(order))
	for pos, a := range order {
		if suppressed[pos] {
			continue
		}
		keep = append(keep, a)
		if maxKeep > 0 && len(keep) >= maxKeep {
			break
		}

		for q := pos + 1; q < len(order); q++ {
			if suppressed[q] {
				continue
			}
			if IoU(l.boxes[a], l.boxes[order[q]]) > thresh {
				suppressed[q] = true
			}
		}
	}

	return l.Select(keep), nil
}
