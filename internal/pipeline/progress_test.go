package pipeline

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingProgress struct {
	total     int
	lastDone  int
	errors    []int
	completed bool
}

func (r *recordingProgress) OnStart(total int)          { r.total = total }
func (r *recordingProgress) OnProgress(done, _ int)     { r.lastDone = done }
func (r *recordingProgress) OnComplete()                { r.completed = true }
func (r *recordingProgress) OnError(index int, _ error) { r.errors = append(r.errors, index) }

func TestNoOpProgressCallback(t *testing.T) {
	var cb ProgressCallback = NoOpProgressCallback{}
	cb.OnStart(10)
	cb.OnProgress(5, 10)
	cb.OnError(3, assert.AnError)
	cb.OnComplete()
}

func TestConsoleProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	cb := NewConsoleProgressCallback(&buf, "run: ").WithWidth(10).WithRate(false)

	cb.OnStart(4)
	assert.Contains(t, buf.String(), "run: 0/4 batches")

	buf.Reset()
	cb.OnProgress(2, 4)
	assert.Contains(t, buf.String(), "[#####.....] 2/4")
	assert.NotContains(t, buf.String(), "/s")

	buf.Reset()
	cb.OnError(3, assert.AnError)
	assert.Contains(t, buf.String(), "run: batch 3 failed")

	buf.Reset()
	cb.OnComplete()
	assert.Contains(t, buf.String(), "run: done in")
}

func TestConsoleProgressCallback_Throttling(t *testing.T) {
	var buf bytes.Buffer
	cb := NewConsoleProgressCallback(&buf, "").WithUpdateInterval(time.Hour)
	cb.OnStart(10)

	buf.Reset()
	cb.OnProgress(1, 10)
	assert.NotEmpty(t, buf.String())

	buf.Reset()
	cb.OnProgress(2, 10)
	assert.Empty(t, buf.String(), "updates inside the interval are dropped")

	cb.OnProgress(10, 10)
	assert.Contains(t, buf.String(), "10/10", "the final update always draws")
}

func TestLogProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cb := NewLogProgressCallback(logger, slog.LevelInfo).WithInterval(2)

	cb.OnStart(3)
	assert.Contains(t, buf.String(), "forward batches started")
	assert.Contains(t, buf.String(), "total=3")

	buf.Reset()
	cb.OnProgress(1, 3)
	assert.Empty(t, buf.String())

	cb.OnProgress(2, 3)
	assert.Contains(t, buf.String(), "done=2")

	buf.Reset()
	cb.OnProgress(3, 3)
	assert.Contains(t, buf.String(), "done=3")

	buf.Reset()
	cb.OnError(1, assert.AnError)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "batch=1")

	buf.Reset()
	cb.OnComplete()
	assert.Contains(t, buf.String(), "forward batches completed")
}

func TestMultiProgressCallback(t *testing.T) {
	a, b := &recordingProgress{}, &recordingProgress{}
	multi := MultiProgressCallback{a, b}

	multi.OnStart(2)
	multi.OnProgress(1, 2)
	multi.OnError(0, assert.AnError)
	multi.OnComplete()

	for _, r := range []*recordingProgress{a, b} {
		assert.Equal(t, 2, r.total)
		assert.Equal(t, 1, r.lastDone)
		assert.Equal(t, []int{0}, r.errors)
		assert.True(t, r.completed)
	}
}
