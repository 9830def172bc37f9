// Package structures holds the box-collection type shared by every
// post-processing stage, together with the set-reduction primitives
// (top-k, NMS) that operate on it.
package structures

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrFieldLength     = errors.New("field length does not match box count")
	ErrFieldMismatch   = errors.New("box lists carry different fields")
	ErrEmptyConcat     = errors.New("no box lists to concatenate")
	ErrUnknownField    = errors.New("field not found")
	ErrSizeMismatch    = errors.New("box lists have different image sizes")
	ErrUnsupportedMode = errors.New("unsupported box mode")
	ErrInvalidBox      = errors.New("invalid box")
)

// Mode is the coordinate encoding of a BoxList.
type Mode string

// ModeXYXY is absolute corner coordinates, the only mode this engine uses.
const ModeXYXY Mode = "xyxy"

// Field names a per-box auxiliary column.
type Field string

// Known fields. Other non-empty names are accepted as extension fields.
const (
	FieldObjectness Field = "objectness"
	FieldScores     Field = "scores"
	FieldLabels     Field = "labels"
)

// BoxList is a set of boxes scoped to one image plus named per-box columns.
// Every operation returns a fresh BoxList; storage is never shared between
// two lists.
type BoxList struct {
	boxes  []Box
	size   Size
	mode   Mode
	floats map[Field][]float32
	ints   map[Field][]int64
}

// New builds a BoxList in xyxy mode from a copy of boxes.
func New(boxes []Box, size Size) (*BoxList, error) {
	return NewWithMode(boxes, size, ModeXYXY)
}

// NewWithMode builds a BoxList in the given mode. Only xyxy is supported.
func NewWithMode(boxes []Box, size Size, mode Mode) (*BoxList, error) {
	if mode != ModeXYXY {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	if !size.Valid() {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrInvalidBox, size.Width, size.Height)
	}
	for i, b := range boxes {
		if !b.Finite() {
			return nil, fmt.Errorf("%w: box %d has non-finite coordinates", ErrInvalidBox, i)
		}
	}
	return newList(append([]Box(nil), boxes...), size), nil
}

// Empty returns a BoxList with no boxes.
func Empty(size Size) *BoxList {
	return newList(nil, size)
}

func newList(boxes []Box, size Size) *BoxList {
	return &BoxList{
		boxes:  boxes,
		size:   size,
		mode:   ModeXYXY,
		floats: make(map[Field][]float32),
		ints:   make(map[Field][]int64),
	}
}

// Len returns the number of boxes.
func (l *BoxList) Len() int { return len(l.boxes) }

// Size returns the image size the boxes are valid within.
func (l *BoxList) Size() Size { return l.size }

// Mode returns the coordinate mode.
func (l *BoxList) Mode() Mode { return l.mode }

// Boxes returns a copy of the box geometry.
func (l *BoxList) Boxes() []Box { return append([]Box(nil), l.boxes...) }

// Box returns the i-th box.
func (l *BoxList) Box(i int) Box { return l.boxes[i] }

// HasField reports whether the named column exists.
func (l *BoxList) HasField(name Field) bool {
	if _, ok := l.floats[name]; ok {
		return true
	}
	_, ok := l.ints[name]
	return ok
}

// Fields returns the names of all columns in sorted order.
func (l *BoxList) Fields() []Field {
	names := make([]Field, 0, len(l.floats)+len(l.ints))
	for k := range l.floats {
		names = append(names, k)
	}
	for k := range l.ints {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// AddFloat32Field sets a float column. The column must have one value per box.
func (l *BoxList) AddFloat32Field(name Field, values []float32) error {
	if err := l.checkField(name, len(values)); err != nil {
		return err
	}
	delete(l.ints, name)
	l.floats[name] = append([]float32(nil), values...)
	return nil
}

// AddInt64Field sets an integer column. The column must have one value per box.
func (l *BoxList) AddInt64Field(name Field, values []int64) error {
	if err := l.checkField(name, len(values)); err != nil {
		return err
	}
	delete(l.floats, name)
	l.ints[name] = append([]int64(nil), values...)
	return nil
}

func (l *BoxList) checkField(name Field, n int) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrUnknownField)
	}
	if n != len(l.boxes) {
		return fmt.Errorf("%w: field %q has %d values for %d boxes", ErrFieldLength, name, n, len(l.boxes))
	}
	return nil
}

// Float32Field returns a copy of a float column.
func (l *BoxList) Float32Field(name Field) ([]float32, error) {
	v, ok := l.floats[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (float32)", ErrUnknownField, name)
	}
	return append([]float32(nil), v...), nil
}

// Int64Field returns a copy of an integer column.
func (l *BoxList) Int64Field(name Field) ([]int64, error) {
	v, ok := l.ints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (int64)", ErrUnknownField, name)
	}
	return append([]int64(nil), v...), nil
}

// Copy returns a deep copy including all fields.
func (l *BoxList) Copy() *BoxList {
	out := newList(l.Boxes(), l.size)
	for k, v := range l.floats {
		out.floats[k] = append([]float32(nil), v...)
	}
	for k, v := range l.ints {
		out.ints[k] = append([]int64(nil), v...)
	}
	return out
}

// CopyWithFields returns a deep copy carrying only the named fields.
// Passing no names strips every field.
func (l *BoxList) CopyWithFields(names ...Field) (*BoxList, error) {
	out := newList(l.Boxes(), l.size)
	for _, name := range names {
		if v, ok := l.floats[name]; ok {
			out.floats[name] = append([]float32(nil), v...)
			continue
		}
		if v, ok := l.ints[name]; ok {
			out.ints[name] = append([]int64(nil), v...)
			continue
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return out, nil
}

// Select gathers the given box indices, in order, into a new list.
func (l *BoxList) Select(indices []int) *BoxList {
	boxes := make([]Box, len(indices))
	for i, idx := range indices {
		boxes[i] = l.boxes[idx]
	}
	out := newList(boxes, l.size)
	for k, v := range l.floats {
		col := make([]float32, len(indices))
		for i, idx := range indices {
			col[i] = v[idx]
		}
		out.floats[k] = col
	}
	for k, v := range l.ints {
		col := make([]int64, len(indices))
		for i, idx := range indices {
			col[i] = v[idx]
		}
		out.ints[k] = col
	}
	return out
}

// Mask keeps the boxes whose flag is set, preserving order. keep must have
// one entry per box.
func (l *BoxList) Mask(keep []bool) (*BoxList, error) {
	if len(keep) != len(l.boxes) {
		return nil, fmt.Errorf("%w: mask has %d entries for %d boxes", ErrFieldLength, len(keep), len(l.boxes))
	}
	indices := make([]int, 0, len(keep))
	for i, k := range keep {
		if k {
			indices = append(indices, i)
		}
	}
	return l.Select(indices), nil
}

// ClipToImage clamps every box to the image. With removeEmpty set, boxes
// that collapse to zero width or height are dropped.
func (l *BoxList) ClipToImage(removeEmpty bool) *BoxList {
	out := l.Copy()
	for i, b := range out.boxes {
		out.boxes[i] = b.Clip(l.size)
	}
	if !removeEmpty {
		return out
	}
	indices := make([]int, 0, len(out.boxes))
	for i, b := range out.boxes {
		if b.X2 > b.X1 && b.Y2 > b.Y1 {
			indices = append(indices, i)
		}
	}
	return out.Select(indices)
}

// RemoveSmallBoxes keeps only boxes at least minSize wide and high.
func (l *BoxList) RemoveSmallBoxes(minSize float32) *BoxList {
	indices := make([]int, 0, len(l.boxes))
	for i, b := range l.boxes {
		if b.Width() >= minSize && b.Height() >= minSize {
			indices = append(indices, i)
		}
	}
	return l.Select(indices)
}

// Area returns the area of every box.
func (l *BoxList) Area() []float32 {
	out := make([]float32, len(l.boxes))
	for i, b := range l.boxes {
		out[i] = b.Area()
	}
	return out
}

// SortByField reorders the boxes by a float column, descending. Equal
// scores keep their original order.
func (l *BoxList) SortByField(name Field) (*BoxList, error) {
	scores, ok := l.floats[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (float32)", ErrUnknownField, name)
	}
	return l.Select(TopK(scores, len(scores))), nil
}

// CatBoxList concatenates lists that share an image size, mode and field
// set. A field present in only some of the lists is an error rather than a
// silent drop.
func CatBoxList(lists ...*BoxList) (*BoxList, error) {
	if len(lists) == 0 {
		return nil, ErrEmptyConcat
	}
	first := lists[0]
	total := 0
	for i, l := range lists {
		if l.size != first.size {
			return nil, fmt.Errorf("%w: list %d is %dx%d, list 0 is %dx%d",
				ErrSizeMismatch, i, l.size.Width, l.size.Height, first.size.Width, first.size.Height)
		}
		if l.mode != first.mode {
			return nil, fmt.Errorf("%w: list %d is %q, list 0 is %q", ErrUnsupportedMode, i, l.mode, first.mode)
		}
		if err := sameFields(first, l); err != nil {
			return nil, fmt.Errorf("list %d: %w", i, err)
		}
		total += l.Len()
	}

	out := newList(make([]Box, 0, total), first.size)
	for k := range first.floats {
		out.floats[k] = make([]float32, 0, total)
	}
	for k := range first.ints {
		out.ints[k] = make([]int64, 0, total)
	}
	for _, l := range lists {
		out.boxes = append(out.boxes, l.boxes...)
		for k, v := range l.floats {
			out.floats[k] = append(out.floats[k], v...)
		}
		for k, v := range l.ints {
			out.ints[k] = append(out.ints[k], v...)
		}
	}
	return out, nil
}

func sameFields(a, b *BoxList) error {
	if len(a.floats) != len(b.floats) || len(a.ints) != len(b.ints) {
		return fmt.Errorf("%w: %v vs %v", ErrFieldMismatch, a.Fields(), b.Fields())
	}
	for k := range a.floats {
		if _, ok := b.floats[k]; !ok {
			return fmt.Errorf("%w: %v vs %v", ErrFieldMismatch, a.Fields(), b.Fields())
		}
	}
	for k := range a.ints {
		if _, ok := b.ints[k]; !ok {
			return fmt.Errorf("%w: %v vs %v", ErrFieldMismatch, a.Fields(), b.Fields())
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (l *BoxList) String() string {
	return fmt.Sprintf("BoxList(num_boxes=%d, image_width=%d, image_height=%d, mode=%s)",
		l.Len(), l.size.Width, l.size.Height, l.mode)
}
