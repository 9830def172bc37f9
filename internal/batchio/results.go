package batchio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

// DetectionsJSON is the JSON form of one image's BoxList.
type DetectionsJSON struct {
	Image    structures.Size      `json:"image"`
	NumBoxes int                  `json:"num_boxes"`
	Boxes    [][4]float32         `json:"boxes"`
	Floats   map[string][]float32 `json:"floats,omitempty"`
	Ints     map[string][]int64   `json:"ints,omitempty"`
}

// ResultJSON is the JSON form of one forward result.
type ResultJSON struct {
	Name       string             `json:"name,omitempty"`
	Detections []DetectionsJSON   `json:"detections"`
	Losses     map[string]float32 `json:"losses"`
}

// FromBoxList converts a BoxList, keeping all of its columns.
func FromBoxList(bl *structures.BoxList) DetectionsJSON {
	out := DetectionsJSON{
		Image:    bl.Size(),
		Boxes:    make([][4]float32, bl.Len()),
		NumBoxes: bl.Len(),
	}
	for i := range bl.Len() {
		b := bl.Box(i)
		out.Boxes[i] = [4]float32{b.X1, b.Y1, b.X2, b.Y2}
	}
	for _, name := range bl.Fields() {
		if v, err := bl.Float32Field(name); err == nil {
			if out.Floats == nil {
				out.Floats = map[string][]float32{}
			}
			out.Floats[string(name)] = v
			continue
		}
		if v, err := bl.Int64Field(name); err == nil {
			if out.Ints == nil {
				out.Ints = map[string][]int64{}
			}
			out.Ints[string(name)] = v
		}
	}
	return out
}

// FromResult converts a forward result.
func FromResult(name string, res detector.Result) ResultJSON {
	out := ResultJSON{
		Name:       name,
		Detections: make([]DetectionsJSON, len(res.Detections)),
		Losses:     res.Losses,
	}
	if out.Losses == nil {
		out.Losses = map[string]float32{}
	}
	for i, bl := range res.Detections {
		out.Detections[i] = FromBoxList(bl)
	}
	return out
}

// WriteJSON writes results as an indented JSON array.
func WriteJSON(w io.Writer, results []ResultJSON) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	return nil
}
