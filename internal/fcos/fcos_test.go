package fcos

import (
	"context"
	"errors"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/structures"
	"github.com/MeKo-Tech/detpost/internal/testutil"
)

var imageSize = structures.Size{Height: 32, Width: 32}

func testConfig(numClasses int) Config {
	cfg := DefaultConfig()
	cfg.PreNMSThresh = 0.5
	cfg.PreNMSTopN = 10
	cfg.NumClasses = numClasses
	cfg.MaxWorkers = 1
	return cfg
}

// twoLocationLevel is a 1x2 map with two foreground classes.
func twoLocationLevel(t *testing.T) detector.Level {
	t.Helper()
	return detector.Level{
		Scores: testutil.LogitTensor(t, []int{1, 2, 1, 2}, []float32{
			0.9, 0.01, // class 0 at x=0, x=1
			0.6, 0.8, // class 1
		}),
		Regression: testutil.Tensor(t, []int{1, 4, 1, 2}, []float32{
			2, 3, // left
			2, 3, // top
			2, 3, // right
			2, 3, // bottom
		}),
		Centerness: testutil.LogitTensor(t, []int{1, 1, 1, 2}, []float32{0.5, 0.9}),
	}
}

func TestComputeLocations(t *testing.T) {
	got := ComputeLocations(2, 2, 8)
	assert.Equal(t, []structures.Point{
		{X: 4, Y: 4}, {X: 12, Y: 4},
		{X: 4, Y: 12}, {X: 12, Y: 12},
	}, got)

	// Odd strides use the integer half.
	assert.Equal(t, []structures.Point{{X: 1, Y: 1}, {X: 4, Y: 1}}, ComputeLocations(1, 2, 3))
	assert.Empty(t, ComputeLocations(0, 4, 8))
}

func TestForwardForSingleFeatureMap(t *testing.T) {
	p := NewPostProcessor(testConfig(3))

	out, err := p.ForwardForSingleFeatureMap(ComputeLocations(1, 2, 8), twoLocationLevel(t),
		[]structures.Size{imageSize})
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out[0]
	require.Equal(t, 3, got.Len())
	assert.Equal(t, []int64{1, 2, 2}, testutil.Int64Field(t, got, structures.FieldLabels))

	scores := testutil.Float32Field(t, got, structures.FieldScores)
	assert.InDelta(t, 0.9*0.5, scores[0], 1e-5)
	assert.InDelta(t, 0.6*0.5, scores[1], 1e-5)
	assert.InDelta(t, 0.8*0.9, scores[2], 1e-5)

	assert.Equal(t, structures.NewBox(2, 2, 6, 6), got.Box(0))
	assert.Equal(t, structures.NewBox(2, 2, 6, 6), got.Box(1))
	assert.Equal(t, structures.NewBox(9, 1, 15, 7), got.Box(2))
}

func TestForwardForSingleFeatureMap_PreNMSTopN(t *testing.T) {
	cfg := testConfig(3)
	cfg.PreNMSTopN = 2
	p := NewPostProcessor(cfg)

	out, err := p.ForwardForSingleFeatureMap(ComputeLocations(1, 2, 8), twoLocationLevel(t),
		[]structures.Size{imageSize})
	require.NoError(t, err)

	got := out[0]
	require.Equal(t, 2, got.Len())
	assert.Equal(t, []int64{2, 1}, testutil.Int64Field(t, got, structures.FieldLabels))
	assert.Equal(t, structures.NewBox(9, 1, 15, 7), got.Box(0))
}

func TestForwardForSingleFeatureMap_ClipsToImage(t *testing.T) {
	p := NewPostProcessor(testConfig(3))
	small := structures.Size{Height: 8, Width: 14}

	out, err := p.ForwardForSingleFeatureMap(ComputeLocations(1, 2, 8), twoLocationLevel(t),
		[]structures.Size{small})
	require.NoError(t, err)
	assert.Equal(t, structures.NewBox(9, 1, 13, 7), out[0].Box(2))
}

func TestForwardForSingleFeatureMap_InfiniteDistanceIsClipped(t *testing.T) {
	p := NewPostProcessor(testConfig(3))
	level := twoLocationLevel(t)
	level.Regression = testutil.Tensor(t, []int{1, 4, 1, 2}, []float32{
		2, 3,
		2, 3,
		math32.Inf(1), 3, // right edge of location 0 overflows
		2, 3,
	})

	out, err := p.ForwardForSingleFeatureMap(ComputeLocations(1, 2, 8), level, []structures.Size{imageSize})
	require.NoError(t, err)
	require.Equal(t, 3, out[0].Len())
	assert.Equal(t, structures.NewBox(2, 2, 31, 6), out[0].Box(0))
	assert.Equal(t, structures.NewBox(9, 1, 15, 7), out[0].Box(2))
}

func TestForwardForSingleFeatureMap_NoCandidates(t *testing.T) {
	cfg := testConfig(3)
	cfg.PreNMSThresh = 0.95
	p := NewPostProcessor(cfg)

	out, err := p.ForwardForSingleFeatureMap(ComputeLocations(1, 2, 8), twoLocationLevel(t),
		[]structures.Size{imageSize})
	require.NoError(t, err)
	assert.Equal(t, 0, out[0].Len())
	assert.True(t, out[0].HasField(structures.FieldScores))
	assert.True(t, out[0].HasField(structures.FieldLabels))

	selected, err := p.SelectOverAllLevels(out)
	require.NoError(t, err)
	assert.Equal(t, 0, selected[0].Len())
}

func TestForwardForSingleFeatureMap_ShapeMismatch(t *testing.T) {
	locations := ComputeLocations(1, 2, 8)
	sizes := []structures.Size{imageSize}
	good := twoLocationLevel(t)

	tests := []struct {
		name       string
		numClasses int
		level      detector.Level
		locations  []structures.Point
		sizes      []structures.Size
	}{
		{name: "class channels", numClasses: 4, level: good, locations: locations, sizes: sizes},
		{name: "locations", numClasses: 3, level: good, locations: locations[:1], sizes: sizes},
		{name: "image sizes", numClasses: 3, level: good, locations: locations, sizes: nil},
		{
			name:       "regression channels",
			numClasses: 3,
			level: detector.Level{
				Scores:     good.Scores,
				Regression: testutil.Zeros(t, 1, 2, 1, 2),
				Centerness: good.Centerness,
			},
			locations: locations,
			sizes:     sizes,
		},
		{
			name:       "missing centerness",
			numClasses: 3,
			level:      detector.Level{Scores: good.Scores, Regression: good.Regression},
			locations:  locations,
			sizes:      sizes,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPostProcessor(testConfig(tt.numClasses))
			_, err := p.ForwardForSingleFeatureMap(tt.locations, tt.level, tt.sizes)
			assert.ErrorIs(t, err, detector.ErrShapeMismatch)
		})
	}
}

func labelled(t *testing.T, labels []int64, scores []float32, coords ...[4]float32) *structures.BoxList {
	t.Helper()
	bl := testutil.ScoredBoxes(t, imageSize, structures.FieldScores, scores, coords...)
	require.NoError(t, bl.AddInt64Field(structures.FieldLabels, labels))
	return bl
}

func TestSelectOverAllLevels_ClassesDoNotSuppressEachOther(t *testing.T) {
	cfg := testConfig(3)
	cfg.NMSThresh = 0.01
	p := NewPostProcessor(cfg)

	bl := labelled(t, []int64{1, 2}, []float32{0.9, 0.8}, [4]float32{0, 0, 9, 9}, [4]float32{0, 0, 9, 9})
	out, err := p.SelectOverAllLevels([]*structures.BoxList{bl})
	require.NoError(t, err)
	assert.Equal(t, 2, out[0].Len())
	assert.Equal(t, []int64{1, 2}, testutil.Int64Field(t, out[0], structures.FieldLabels))
}

func TestSelectOverAllLevels_SuppressesWithinClass(t *testing.T) {
	p := NewPostProcessor(testConfig(3))

	bl := labelled(t, []int64{2, 1, 1}, []float32{0.7, 0.8, 0.9},
		[4]float32{20, 20, 29, 29},
		[4]float32{0, 0, 9, 10},
		[4]float32{0, 0, 9, 9},
	)
	out, err := p.SelectOverAllLevels([]*structures.BoxList{bl})
	require.NoError(t, err)

	got := out[0]
	require.Equal(t, 2, got.Len())
	assert.Equal(t, []int64{1, 2}, testutil.Int64Field(t, got, structures.FieldLabels))
	assert.Equal(t, []float32{0.9, 0.7}, testutil.Float32Field(t, got, structures.FieldScores))
	assert.Equal(t, structures.NewBox(0, 0, 9, 9), got.Box(0))
}

func TestSelectOverAllLevels_TopNKeepsTies(t *testing.T) {
	cfg := testConfig(5)
	cfg.FPNPostNumTopN = 2
	p := NewPostProcessor(cfg)

	bl := labelled(t, []int64{1, 2, 3, 4}, []float32{0.9, 0.5, 0.5, 0.1},
		[4]float32{0, 0, 3, 3}, [4]float32{5, 5, 8, 8}, [4]float32{10, 10, 13, 13}, [4]float32{15, 15, 18, 18})
	out, err := p.SelectOverAllLevels([]*structures.BoxList{bl})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9, 0.5, 0.5}, testutil.Float32Field(t, out[0], structures.FieldScores))

	cfg.FPNPostNumTopN = 0
	out, err = NewPostProcessor(cfg).SelectOverAllLevels([]*structures.BoxList{bl})
	require.NoError(t, err)
	assert.Equal(t, 4, out[0].Len(), "zero disables the cap")
}

func TestSelectOverAllLevels_MissingLabels(t *testing.T) {
	p := NewPostProcessor(testConfig(3))
	bl := testutil.ScoredBoxes(t, imageSize, structures.FieldScores, []float32{0.5}, [4]float32{0, 0, 3, 3})
	_, err := p.SelectOverAllLevels([]*structures.BoxList{bl})
	assert.ErrorIs(t, err, structures.ErrUnknownField)
}

func twoLevelBatch(t *testing.T) detector.Batch {
	t.Helper()
	single := func(cls, ctr, dist float32) detector.Level {
		return detector.Level{
			Scores:     testutil.LogitTensor(t, []int{1, 1, 1, 1}, []float32{cls}),
			Regression: testutil.Tensor(t, []int{1, 4, 1, 1}, []float32{dist, dist, dist, dist}),
			Centerness: testutil.LogitTensor(t, []int{1, 1, 1, 1}, []float32{ctr}),
		}
	}
	return detector.Batch{
		Levels: []detector.Level{
			single(0.9, 0.5, 4), // stride 8: location (4,4) -> (0,0,8,8)
			single(0.8, 0.5, 8), // stride 16: location (8,8) -> (0,0,16,16)
		},
		ImageSizes: []structures.Size{{Height: 64, Width: 64}},
	}
}

func TestModuleForward(t *testing.T) {
	for _, workers := range []int{1, 2} {
		cfg := testConfig(2)
		cfg.FPNStrides = []int{8, 16}
		cfg.MaxWorkers = workers
		m, err := NewModule(cfg)
		require.NoError(t, err)
		assert.Equal(t, "fcos", m.Name())

		res, err := m.Forward(context.Background(), detector.ModeTest, twoLevelBatch(t))
		require.NoError(t, err)
		assert.Empty(t, res.Losses)
		require.Len(t, res.Detections, 1)

		got := res.Detections[0]
		require.Equal(t, 2, got.Len())
		scores := testutil.Float32Field(t, got, structures.FieldScores)
		assert.InDelta(t, 0.45, scores[0], 1e-5)
		assert.InDelta(t, 0.40, scores[1], 1e-5)
		assert.Equal(t, structures.NewBox(0, 0, 8, 8), got.Box(0))
		assert.Equal(t, structures.NewBox(0, 0, 16, 16), got.Box(1))
		assert.Equal(t, []int64{1, 1}, testutil.Int64Field(t, got, structures.FieldLabels))
	}
}

func TestModuleForward_CrossLevelNMS(t *testing.T) {
	cfg := testConfig(2)
	cfg.FPNStrides = []int{8, 16}
	cfg.NMSThresh = 0.2
	m, err := NewModule(cfg)
	require.NoError(t, err)

	res, err := m.Forward(context.Background(), detector.ModeTest, twoLevelBatch(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detections[0].Len())
}

func TestModuleForward_Errors(t *testing.T) {
	cfg := testConfig(2)
	cfg.FPNStrides = []int{8}
	m, err := NewModule(cfg)
	require.NoError(t, err)

	_, err = m.Forward(context.Background(), detector.ModeTest, twoLevelBatch(t))
	assert.ErrorIs(t, err, detector.ErrShapeMismatch, "fewer strides than levels")

	_, err = m.Forward(context.Background(), detector.ModeTest, detector.Batch{})
	assert.ErrorIs(t, err, detector.ErrShapeMismatch)
}

type stubLoss struct {
	calls  int
	levels int
	err    error
}

func (s *stubLoss) Evaluate(_ context.Context, anchors [][]*structures.BoxList, levels []detector.Level,
	_ []*structures.BoxList,
) (map[string]float32, error) {
	s.calls++
	s.levels = len(levels)
	if anchors != nil {
		return nil, errors.New("fcos has no anchors")
	}
	if s.err != nil {
		return nil, s.err
	}
	return map[string]float32{"loss_cls": 0.5, "loss_reg": 0.25, "loss_centerness": 0.125}, nil
}

func TestModuleForward_TrainWithoutEvaluator(t *testing.T) {
	cfg := testConfig(2)
	cfg.FPNStrides = []int{8, 16}
	m, err := NewModule(cfg)
	require.NoError(t, err)

	res, err := m.Forward(context.Background(), detector.ModeTrain, twoLevelBatch(t))
	require.NoError(t, err)
	assert.NotNil(t, res.Detections)
	assert.Empty(t, res.Detections)
	assert.NotNil(t, res.Losses)
	assert.Empty(t, res.Losses)
}

func TestModuleForward_TrainWithEvaluator(t *testing.T) {
	cfg := testConfig(2)
	cfg.FPNStrides = []int{8, 16}
	loss := &stubLoss{}
	m, err := NewModule(cfg, WithLossEvaluator(loss))
	require.NoError(t, err)

	res, err := m.Forward(context.Background(), detector.ModeTrain, twoLevelBatch(t))
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.Equal(t, 1, loss.calls)
	assert.Equal(t, 2, loss.levels)
	assert.Equal(t, map[string]float32{"loss_cls": 0.5, "loss_reg": 0.25, "loss_centerness": 0.125}, res.Losses)

	loss.err = errors.New("bad targets")
	_, err = m.Forward(context.Background(), detector.ModeTrain, twoLevelBatch(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fcos loss")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pre nms thresh", func(c *Config) { c.PreNMSThresh = -0.1 }},
		{"pre nms top n", func(c *Config) { c.PreNMSTopN = 0 }},
		{"nms thresh", func(c *Config) { c.NMSThresh = 2 }},
		{"post top n", func(c *Config) { c.FPNPostNumTopN = -1 }},
		{"min size", func(c *Config) { c.MinSize = -1 }},
		{"num classes", func(c *Config) { c.NumClasses = 1 }},
		{"no strides", func(c *Config) { c.FPNStrides = nil }},
		{"bad stride", func(c *Config) { c.FPNStrides = []int{8, 0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := NewModule(cfg)
			assert.Error(t, err)
		})
	}
}
