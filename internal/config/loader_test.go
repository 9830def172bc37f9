package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every config search path at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Chdir(tmpDir)
	return tmpDir
}

func newTestLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	require.NotNil(t, loader)
	assert.Same(t, viper.GetViper(), loader.GetViper())
}

func TestLoadWithNoConfigFile(t *testing.T) {
	isolate(t)

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadFromSearchPath(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "detpost.yaml"), "head: fcos\nfcos:\n  num_classes: 3\n")

	loader := newTestLoader()
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, HeadFCOS, cfg.Head)
	assert.Equal(t, 3, cfg.FCOS.NumClasses)
	assert.Contains(t, loader.GetConfigFileUsed(), "detpost.yaml")
}

func TestLoadWithValidYAMLFile(t *testing.T) {
	dir := isolate(t)
	configFile := filepath.Join(dir, "custom.yaml")
	writeFile(t, configFile, `
log_level: debug
verbose: true
head: rpn
mode: train
rpn:
  pre_nms_top_n_train: 300
  nms_thresh: 0.6
  fpn_post_nms_per_batch: false
  bbox_reg_weights: [10, 10, 5, 5]
fcos:
  fpn_strides: [8, 16, 32]
parallel:
  max_workers: 2
`)

	cfg, err := newTestLoader().LoadWithFile(configFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "train", cfg.Mode)
	assert.Equal(t, 300, cfg.RPN.PreNMSTopNTrain)
	assert.Equal(t, 1000, cfg.RPN.PreNMSTopNTest, "unset keys keep defaults")
	assert.InDelta(t, 0.6, cfg.RPN.NMSThresh, 1e-9)
	assert.False(t, cfg.RPN.FPNPostNMSPerBatch)
	assert.Equal(t, []float64{10, 10, 5, 5}, cfg.RPN.BBoxRegWeights)
	assert.Equal(t, []int{8, 16, 32}, cfg.FCOS.FPNStrides)
	assert.Equal(t, 2, cfg.Parallel.MaxWorkers)
}

func TestLoadWithEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("DETPOST_HEAD", "fcos")
	t.Setenv("DETPOST_RPN_NMS_THRESH", "0.55")
	t.Setenv("DETPOST_FCOS_PRE_NMS_TOP_N", "42")

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, HeadFCOS, cfg.Head)
	assert.InDelta(t, 0.55, cfg.RPN.NMSThresh, 1e-9)
	assert.Equal(t, 42, cfg.FCOS.PreNMSTopN)
}

func TestLoadWithInvalidYAMLFile(t *testing.T) {
	dir := isolate(t)
	configFile := filepath.Join(dir, "bad.yaml")
	writeFile(t, configFile, "log_level: debug\n  invalid indentation\n    more bad indentation\n")

	_, err := newTestLoader().LoadWithFile(configFile)
	assert.Error(t, err)
}

func TestLoadWithNonExistentFile(t *testing.T) {
	_, err := newTestLoader().LoadWithFile("/nonexistent/path/to/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadWithValidationFailure(t *testing.T) {
	dir := isolate(t)
	configFile := filepath.Join(dir, "detpost.yaml")
	writeFile(t, configFile, "head: retina\n")

	_, err := newTestLoader().LoadWithFile(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")

	cfg, err := newTestLoader().LoadWithoutValidation()
	require.NoError(t, err)
	assert.Equal(t, "retina", cfg.Head)
}

func TestLoadWithFileEmptyPathFallsBack(t *testing.T) {
	isolate(t)
	cfg, err := newTestLoader().LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, HeadRPN, cfg.Head)
}

func TestLoaderSetGet(t *testing.T) {
	loader := newTestLoader()
	loader.Set("head", HeadFCOS)
	assert.Equal(t, HeadFCOS, loader.Get("head"))
}

func TestGenerateDefaultConfigFile(t *testing.T) {
	dir := isolate(t)
	configFile := filepath.Join(dir, "generated.yaml")

	require.NoError(t, GenerateDefaultConfigFile(configFile))

	cfg, err := newTestLoader().LoadWithFile(configFile)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestGetConfigSearchPaths(t *testing.T) {
	dir := isolate(t)
	paths := GetConfigSearchPaths()
	assert.Equal(t, ".", paths[0])
	assert.Contains(t, paths, filepath.Join(dir, "detpost"))
	assert.Equal(t, "/etc/detpost", paths[len(paths)-1])
}

func TestPrintConfigInfo(t *testing.T) {
	var buf bytes.Buffer
	newTestLoader().PrintConfigInfo(&buf)
	assert.Contains(t, buf.String(), "Environment prefix: DETPOST")
}

func TestGetResolvedConfig(t *testing.T) {
	isolate(t)
	loader := newTestLoader()
	_, err := loader.Load()
	require.NoError(t, err)

	settings := loader.GetResolvedConfig()
	assert.Contains(t, settings, "rpn")
	assert.Contains(t, settings, "fcos")
}
