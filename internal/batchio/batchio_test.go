package batchio

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/layout"
	"github.com/MeKo-Tech/detpost/internal/structures"
	"github.com/MeKo-Tech/detpost/internal/testutil"
)

func fixturePath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(testutil.GetFixturesDir(t), name)
	require.True(t, testutil.FileExists(path), "fixture %s missing", path)
	return path
}

func TestLoadFile_RPNFixture(t *testing.T) {
	cases, err := LoadFile(fixturePath(t, "rpn_top2.yaml"))
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "rpn-four-anchors", cases[0].Name)

	batch := cases[0].Batch
	assert.Equal(t, []structures.Size{{Height: 100, Width: 100}}, batch.ImageSizes)
	require.Len(t, batch.Levels, 1)
	assert.Equal(t, tensorShape(1, 4, 1, 1), batch.Levels[0].Scores.Shape())
	assert.Equal(t, tensorShape(1, 16, 1, 1), batch.Levels[0].Regression.Shape())
	assert.Nil(t, batch.Levels[0].Centerness)

	_, scores, err := layout.Float32Data(batch.Levels[0].Scores)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, layout.Sigmoid(scores[0]), 1e-6)
	assert.InDelta(t, 0.2, layout.Sigmoid(scores[3]), 1e-6)

	require.Len(t, batch.Anchors, 1)
	require.Len(t, batch.Anchors[0], 1)
	assert.Equal(t, 4, batch.Anchors[0][0].Len())
	assert.Equal(t, structures.NewBox(20, 20, 29, 29), batch.Anchors[0][0].Box(1))

	require.Len(t, batch.Targets, 1)
	assert.Equal(t, 2, batch.Targets[0].Len())
}

func TestLoadFile_MultipleDocuments(t *testing.T) {
	cases, err := LoadFile(fixturePath(t, "fcos_classes.yaml"))
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "different-classes", cases[0].Name)
	assert.Equal(t, "same-class", cases[1].Name)
	assert.NotNil(t, cases[1].Batch.Levels[0].Centerness)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open fixture")
}

func TestDecode_NamesDefaultToPosition(t *testing.T) {
	fixtures, err := Decode(strings.NewReader(`
images: [{height: 4, width: 4}]
levels: [{scores: {shape: [1, 1, 1, 1]}, regression: {shape: [1, 4, 1, 1]}}]
---
images: [{height: 8, width: 8}]
levels: [{scores: {shape: [1, 1, 1, 1]}, regression: {shape: [1, 4, 1, 1]}}]
`))
	require.NoError(t, err)
	require.Len(t, fixtures, 2)
	assert.Empty(t, fixtures[1].Name)

	batch, err := fixtures[1].Batch()
	require.NoError(t, err)
	assert.Equal(t, 8, batch.ImageSizes[0].Height)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "unknown field", doc: "images: []\nlevelz: []\n"},
		{name: "wrong box arity", doc: "images: [{height: 4, width: 4}]\ntargets: [[[1, 2, 3]]]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestFixtureBatch_Rejects(t *testing.T) {
	size := structures.Size{Height: 10, Width: 10}
	level := LevelFixture{
		Scores:     &TensorFixture{Shape: []int{1, 1, 1, 1}},
		Regression: &TensorFixture{Shape: []int{1, 4, 1, 1}},
	}
	tests := []struct {
		name    string
		fixture Fixture
	}{
		{name: "no images", fixture: Fixture{Levels: []LevelFixture{level}}},
		{name: "missing regression", fixture: Fixture{
			Images: []structures.Size{size},
			Levels: []LevelFixture{{Scores: level.Scores}},
		}},
		{name: "data length", fixture: Fixture{
			Images: []structures.Size{size},
			Levels: []LevelFixture{{
				Scores:     &TensorFixture{Shape: []int{1, 1, 1, 2}, Data: []float32{1}},
				Regression: level.Regression,
			}},
		}},
		{name: "probability out of range", fixture: Fixture{
			Images: []structures.Size{size},
			Levels: []LevelFixture{{
				Scores:     &TensorFixture{Shape: []int{1, 1, 1, 1}, Probs: []float32{1}},
				Regression: level.Regression,
			}},
		}},
		{name: "data and probs", fixture: Fixture{
			Images: []structures.Size{size},
			Levels: []LevelFixture{{
				Scores:     &TensorFixture{Shape: []int{1, 1, 1, 1}, Data: []float32{1}, Probs: []float32{0.5}},
				Regression: level.Regression,
			}},
		}},
		{name: "not 4d", fixture: Fixture{
			Images: []structures.Size{size},
			Levels: []LevelFixture{{Scores: &TensorFixture{Shape: []int{1, 1}}, Regression: level.Regression}},
		}},
		{name: "anchor sets", fixture: Fixture{
			Images:  []structures.Size{size},
			Levels:  []LevelFixture{level},
			Anchors: [][][][4]float32{{{{0, 0, 1, 1}}}, {{{0, 0, 1, 1}}}},
		}},
		{name: "target sets", fixture: Fixture{
			Images:  []structures.Size{size},
			Levels:  []LevelFixture{level},
			Targets: [][][4]float32{{}, {}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fixture.Batch()
			assert.ErrorIs(t, err, ErrInvalidFixture)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	size := structures.Size{Height: 20, Width: 30}
	dets := testutil.ScoredBoxes(t, size, structures.FieldScores, []float32{0.5, 0.25},
		[4]float32{1, 2, 3, 4}, [4]float32{5, 6, 7, 8})
	require.NoError(t, dets.AddInt64Field(structures.FieldLabels, []int64{1, 2}))

	res := detector.Result{Detections: []*structures.BoxList{dets, structures.Empty(size)}}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, []ResultJSON{FromResult("demo", res)}))

	var decoded []ResultJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)

	got := decoded[0]
	assert.Equal(t, "demo", got.Name)
	assert.NotNil(t, got.Losses)
	require.Len(t, got.Detections, 2)
	assert.Equal(t, size, got.Detections[0].Image)
	assert.Equal(t, 2, got.Detections[0].NumBoxes)
	assert.Equal(t, [][4]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}, got.Detections[0].Boxes)
	assert.Equal(t, []float32{0.5, 0.25}, got.Detections[0].Floats["scores"])
	assert.Equal(t, []int64{1, 2}, got.Detections[0].Ints["labels"])
	assert.Equal(t, 0, got.Detections[1].NumBoxes)
	assert.Empty(t, got.Detections[1].Floats)
}

func tensorShape(dims ...int) tensor.Shape { return tensor.Shape(dims) }

func TestReadAndApplyTargets(t *testing.T) {
	targets, err := ReadTargets(strings.NewReader("- [[1, 1, 5, 5]]\n- []\n"))
	require.NoError(t, err)
	require.Len(t, targets, 2)

	size := structures.Size{Height: 10, Width: 10}
	batch := detector.Batch{ImageSizes: []structures.Size{size, size}}
	require.NoError(t, ApplyTargets(&batch, targets))
	require.Len(t, batch.Targets, 2)
	assert.Equal(t, structures.NewBox(1, 1, 5, 5), batch.Targets[0].Box(0))
	assert.Equal(t, 0, batch.Targets[1].Len())

	err = ApplyTargets(&batch, targets[:1])
	assert.ErrorIs(t, err, ErrInvalidFixture)

	_, err = LoadTargets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
