package support

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/detpost/internal/batchio"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/pipeline"
	"github.com/MeKo-Tech/detpost/internal/structures"
)

const tolerance = 1e-4

func (testCtx *TestContext) theHead(head string) error {
	testCtx.settings.Set("head", head)
	testCtx.settings.Set("metrics.enabled", false)
	testCtx.settings.Set("parallel.max_workers", 1)
	return nil
}

func (testCtx *TestContext) theSettingIs(key, value string) error {
	testCtx.settings.Set(key, value)
	return nil
}

func (testCtx *TestContext) theFixture(name string) error {
	cases, err := batchio.LoadFile(filepath.Join(testCtx.FixturesDir, name))
	if err != nil {
		return err
	}
	testCtx.Cases = cases
	testCtx.current = 0
	return nil
}

func (testCtx *TestContext) iRunThePostProcessor(mode string) error {
	m, err := detector.ParseMode(mode)
	if err != nil {
		return err
	}
	cfg, err := testCtx.Config()
	if err != nil {
		return err
	}
	p, err := pipeline.New(*cfg)
	if err != nil {
		return err
	}

	batches := make([]detector.Batch, len(testCtx.Cases))
	for i, c := range testCtx.Cases {
		batches[i] = c.Batch
	}
	testCtx.Results, testCtx.LastError = p.ForwardBatches(context.Background(), m, batches)
	return nil
}

func (testCtx *TestContext) theRunShouldSucceed() error {
	if testCtx.LastError != nil {
		return fmt.Errorf("expected success, got: %w", testCtx.LastError)
	}
	return nil
}

func (testCtx *TestContext) theRunShouldFailWith(text string) error {
	if testCtx.LastError == nil {
		return errors.New("expected the run to fail")
	}
	if !strings.Contains(testCtx.LastError.Error(), text) {
		return fmt.Errorf("error %q does not mention %q", testCtx.LastError, text)
	}
	return nil
}

func (testCtx *TestContext) iLookAtBatch(name string) error {
	for i, c := range testCtx.Cases {
		if c.Name == name {
			testCtx.current = i
			return nil
		}
	}
	return fmt.Errorf("no batch named %q", name)
}

func (testCtx *TestContext) imageShouldHaveBoxes(image, want int) error {
	bl, err := testCtx.currentImage(image)
	if err != nil {
		return err
	}
	if bl.Len() != want {
		return fmt.Errorf("image %d has %d boxes, want %d", image, bl.Len(), want)
	}
	return nil
}

func (testCtx *TestContext) boxOfImageShouldBe(index, image int, coords string) error {
	bl, err := testCtx.currentImage(image)
	if err != nil {
		return err
	}
	if index >= bl.Len() {
		return fmt.Errorf("image %d has only %d boxes", image, bl.Len())
	}
	v, err := parseFloats(coords)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("box needs 4 coordinates, got %d", len(v))
	}
	want := structures.NewBox(float32(v[0]), float32(v[1]), float32(v[2]), float32(v[3]))
	if got := bl.Box(index); got != want {
		return fmt.Errorf("box %d of image %d is %+v, want %+v", index, image, got, want)
	}
	return nil
}

func (testCtx *TestContext) theFieldOfImageShouldBe(field string, image int, values string) error {
	bl, err := testCtx.currentImage(image)
	if err != nil {
		return err
	}
	want, err := parseFloats(values)
	if err != nil {
		return err
	}

	var got []float64
	if fv, err := bl.Float32Field(structures.Field(field)); err == nil {
		for _, v := range fv {
			got = append(got, float64(v))
		}
	} else if iv, err := bl.Int64Field(structures.Field(field)); err == nil {
		for _, v := range iv {
			got = append(got, float64(v))
		}
	} else {
		return fmt.Errorf("image %d has no field %q", image, field)
	}

	if len(got) != len(want) {
		return fmt.Errorf("field %q of image %d is %v, want %v", field, image, got, want)
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tolerance {
			return fmt.Errorf("field %q of image %d is %v, want %v", field, image, got, want)
		}
	}
	return nil
}

func (testCtx *TestContext) theBatchShouldHaveNoDetections() error {
	res, err := testCtx.currentResult()
	if err != nil {
		return err
	}
	if len(res.Detections) != 0 {
		return fmt.Errorf("batch %d has detections for %d images, want none", testCtx.current, len(res.Detections))
	}
	return nil
}

func (testCtx *TestContext) theLossesShouldBeEmpty() error {
	res, err := testCtx.currentResult()
	if err != nil {
		return err
	}
	if res.Losses == nil || len(res.Losses) != 0 {
		return fmt.Errorf("losses are %v, want an empty map", res.Losses)
	}
	return nil
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// RegisterSteps registers every step of the suite.
func (testCtx *TestContext) RegisterSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the (rpn|fcos) head$`, testCtx.theHead)
	sc.Step(`^the setting "([^"]*)" is "([^"]*)"$`, testCtx.theSettingIs)
	sc.Step(`^the fixture "([^"]*)"$`, testCtx.theFixture)
	sc.Step(`^I run the post-processor in (train|test) mode$`, testCtx.iRunThePostProcessor)
	sc.Step(`^the run should succeed$`, testCtx.theRunShouldSucceed)
	sc.Step(`^the run should fail with "([^"]*)"$`, testCtx.theRunShouldFailWith)
	sc.Step(`^I look at batch "([^"]*)"$`, testCtx.iLookAtBatch)
	sc.Step(`^image (\d+) should have (\d+) box(?:es)?$`, testCtx.imageShouldHaveBoxes)
	sc.Step(`^the batch should have no detections$`, testCtx.theBatchShouldHaveNoDetections)
	sc.Step(`^the losses should be empty$`, testCtx.theLossesShouldBeEmpty)
	sc.Step(`^box (\d+) of image (\d+) should be \[([^\]]*)\]$`, testCtx.boxOfImageShouldBe)
	sc.Step(`^the "([^"]*)" of image (\d+) should be \[([^\]]*)\]$`, testCtx.theFieldOfImageShouldBe)
}
