// Package support holds the godog step definitions for the post-processing
// feature suite.
package support

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/MeKo-Tech/detpost/internal/batchio"
	"github.com/MeKo-Tech/detpost/internal/config"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/structures"
	"github.com/MeKo-Tech/detpost/internal/testutil"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	// Settings applied on top of the defaults before each run.
	settings *viper.Viper

	FixturesDir string
	Cases       []batchio.Case
	Results     []detector.Result
	LastError   error

	// Index into Cases and Results used by the assertion steps.
	current int
}

// NewTestContext creates a context rooted at the project fixtures.
func NewTestContext() (*TestContext, error) {
	dir, err := testutil.FixturesDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate fixtures: %w", err)
	}
	return &TestContext{
		settings:    viper.New(),
		FixturesDir: dir,
	}, nil
}

// Config resolves the configuration for the next run.
func (testCtx *TestContext) Config() (*config.Config, error) {
	return config.NewLoaderWithViper(testCtx.settings).Load()
}

// currentImage returns the detections of one image in the selected batch.
func (testCtx *TestContext) currentImage(image int) (*structures.BoxList, error) {
	res, err := testCtx.currentResult()
	if err != nil {
		return nil, err
	}
	dets := res.Detections
	if image < 0 || image >= len(dets) {
		return nil, fmt.Errorf("image %d out of range, batch has %d images", image, len(dets))
	}
	return dets[image], nil
}

// currentResult returns the result of the selected batch.
func (testCtx *TestContext) currentResult() (detector.Result, error) {
	if testCtx.LastError != nil {
		return detector.Result{}, fmt.Errorf("last run failed: %w", testCtx.LastError)
	}
	if testCtx.current >= len(testCtx.Results) {
		return detector.Result{}, fmt.Errorf("no result for batch %d", testCtx.current)
	}
	return testCtx.Results[testCtx.current], nil
}
