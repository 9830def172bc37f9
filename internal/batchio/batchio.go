// Package batchio reads forward-call inputs from YAML fixtures and writes
// forward results as JSON.
//
// A fixture document looks like:
//
//	images:
//	  - {height: 100, width: 100}
//	levels:
//	  - scores: {shape: [1, 4, 1, 1], probs: [0.9, 0.1, 0.8, 0.2]}
//	    regression: {shape: [1, 16, 1, 1]}
//	anchors:          # [image][level][box]
//	  - - [[0, 0, 9, 9], [20, 20, 29, 29], [40, 40, 49, 49], [60, 60, 69, 69]]
//	targets:          # [image][box], training only
//	  - [[5, 5, 30, 30]]
//
// A file may hold several documents separated by "---"; each one is a batch.
package batchio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/layout"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

// ErrInvalidFixture reports a fixture that cannot be turned into a batch.
var ErrInvalidFixture = errors.New("invalid fixture")

// Fixture is the YAML form of a detector.Batch.
type Fixture struct {
	Name    string            `yaml:"name,omitempty"`
	Images  []structures.Size `yaml:"images"`
	Levels  []LevelFixture    `yaml:"levels"`
	Anchors [][][][4]float32  `yaml:"anchors,omitempty"`
	Targets [][][4]float32    `yaml:"targets,omitempty"`
}

// LevelFixture holds the tensors of one pyramid level.
type LevelFixture struct {
	Scores     *TensorFixture `yaml:"scores"`
	Regression *TensorFixture `yaml:"regression"`
	Centerness *TensorFixture `yaml:"centerness,omitempty"`
}

// TensorFixture is a dense float32 tensor. Data holds raw values; Probs holds
// probabilities that are stored as logits. With neither set the tensor is
// zero-filled.
type TensorFixture struct {
	Shape []int     `yaml:"shape"`
	Data  []float32 `yaml:"data,omitempty"`
	Probs []float32 `yaml:"probs,omitempty"`
}

// Tensor builds the dense tensor.
func (tf *TensorFixture) Tensor() (*tensor.Dense, error) {
	if _, err := layout.ValidateNCHW(tf.Shape); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFixture, err)
	}
	n := 1
	for _, d := range tf.Shape {
		n *= d
	}

	var backing []float32
	switch {
	case len(tf.Data) > 0 && len(tf.Probs) > 0:
		return nil, fmt.Errorf("%w: tensor sets both data and probs", ErrInvalidFixture)
	case len(tf.Probs) > 0:
		backing = make([]float32, len(tf.Probs))
		for i, p := range tf.Probs {
			if p <= 0 || p >= 1 {
				return nil, fmt.Errorf("%w: probability %v at %d is outside (0, 1)", ErrInvalidFixture, p, i)
			}
			backing[i] = layout.Logit(p)
		}
	case len(tf.Data) > 0:
		backing = append([]float32(nil), tf.Data...)
	default:
		backing = make([]float32, n)
	}
	if len(backing) != n {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrInvalidFixture, tf.Shape, n, len(backing))
	}
	return tensor.New(tensor.WithShape(tf.Shape...), tensor.WithBacking(backing)), nil
}

// Batch converts the fixture into a detector.Batch.
func (f *Fixture) Batch() (detector.Batch, error) {
	if len(f.Images) == 0 {
		return detector.Batch{}, fmt.Errorf("%w: no images", ErrInvalidFixture)
	}

	batch := detector.Batch{
		ImageSizes: append([]structures.Size(nil), f.Images...),
		Levels:     make([]detector.Level, len(f.Levels)),
	}
	for l, lf := range f.Levels {
		level, err := lf.level()
		if err != nil {
			return detector.Batch{}, fmt.Errorf("level %d: %w", l, err)
		}
		batch.Levels[l] = level
	}

	if len(f.Anchors) > 0 {
		if len(f.Anchors) != len(f.Images) {
			return detector.Batch{}, fmt.Errorf("%w: %d anchor sets for %d images",
				ErrInvalidFixture, len(f.Anchors), len(f.Images))
		}
		batch.Anchors = make([][]*structures.BoxList, len(f.Anchors))
		for i, perLevel := range f.Anchors {
			batch.Anchors[i] = make([]*structures.BoxList, len(perLevel))
			for l, coords := range perLevel {
				bl, err := boxList(coords, f.Images[i])
				if err != nil {
					return detector.Batch{}, fmt.Errorf("anchors image %d level %d: %w", i, l, err)
				}
				batch.Anchors[i][l] = bl
			}
		}
	}

	if len(f.Targets) > 0 {
		if err := ApplyTargets(&batch, f.Targets); err != nil {
			return detector.Batch{}, err
		}
	}
	return batch, nil
}

func (lf LevelFixture) level() (detector.Level, error) {
	if lf.Scores == nil || lf.Regression == nil {
		return detector.Level{}, fmt.Errorf("%w: scores and regression are required", ErrInvalidFixture)
	}
	var (
		level detector.Level
		err   error
	)
	if level.Scores, err = lf.Scores.Tensor(); err != nil {
		return detector.Level{}, fmt.Errorf("scores: %w", err)
	}
	if level.Regression, err = lf.Regression.Tensor(); err != nil {
		return detector.Level{}, fmt.Errorf("regression: %w", err)
	}
	if lf.Centerness != nil {
		if level.Centerness, err = lf.Centerness.Tensor(); err != nil {
			return detector.Level{}, fmt.Errorf("centerness: %w", err)
		}
	}
	return level, nil
}

func boxList(coords [][4]float32, size structures.Size) (*structures.BoxList, error) {
	boxes := make([]structures.Box, len(coords))
	for i, c := range coords {
		boxes[i] = structures.NewBox(c[0], c[1], c[2], c[3])
	}
	return structures.New(boxes, size)
}

// ApplyTargets replaces the ground truth of batch with one box set per image.
func ApplyTargets(batch *detector.Batch, targets [][][4]float32) error {
	if len(targets) != batch.NumImages() {
		return fmt.Errorf("%w: %d target sets for %d images",
			ErrInvalidFixture, len(targets), batch.NumImages())
	}
	lists := make([]*structures.BoxList, len(targets))
	for i, coords := range targets {
		bl, err := boxList(coords, batch.ImageSizes[i])
		if err != nil {
			return fmt.Errorf("targets image %d: %w", i, err)
		}
		lists[i] = bl
	}
	batch.Targets = lists
	return nil
}

// ReadTargets decodes a YAML list of per-image ground-truth boxes.
func ReadTargets(r io.Reader) ([][][4]float32, error) {
	var targets [][][4]float32
	if err := yaml.NewDecoder(r).Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}
	return targets, nil
}

// LoadTargets reads ReadTargets input from a file.
func LoadTargets(path string) ([][][4]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open targets: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadTargets(f)
}

// Decode reads every fixture document from r.
func Decode(r io.Reader) ([]Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fixtures []Fixture
	for {
		var f Fixture
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode fixture %d: %w", len(fixtures), err)
		}
		fixtures = append(fixtures, f)
	}
	if len(fixtures) == 0 {
		return nil, fmt.Errorf("%w: no documents", ErrInvalidFixture)
	}
	return fixtures, nil
}

// Case is one named batch read from a fixture file.
type Case struct {
	Name  string
	Batch detector.Batch
}

// LoadFile reads a fixture file and converts each document into a batch.
// Unnamed documents are named after their position.
func LoadFile(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer func() { _ = f.Close() }()

	fixtures, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cases := make([]Case, len(fixtures))
	for i := range fixtures {
		batch, err := fixtures[i].Batch()
		if err != nil {
			return nil, fmt.Errorf("%s document %d: %w", path, i, err)
		}
		name := fixtures[i].Name
		if name == "" {
			name = fmt.Sprintf("batch-%d", i)
		}
		cases[i] = Case{Name: name, Batch: batch}
	}
	return cases, nil
}
