// Package testutil provides builders and path helpers for tests.
package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// GetProjectRoot walks up from this file to the directory holding go.mod.
func GetProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	for dir := filepath.Dir(filename); ; {
		if FileExists(filepath.Join(dir, "go.mod")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find go.mod above %s", filepath.Dir(filename))
		}
		dir = parent
	}
}

// FixturesDir returns testdata/fixtures under the project root and fails
// when it is missing or holds no YAML batch files.
func FixturesDir() (string, error) {
	root, err := GetProjectRoot()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, "testdata", "fixtures")
	if !DirExists(dir) {
		return "", fmt.Errorf("fixture directory %s not found", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("fixture directory %s has no *.yaml batches", dir)
	}
	return dir, nil
}

// GetFixturesDir is FixturesDir for tests.
func GetFixturesDir(t testing.TB) string {
	t.Helper()

	dir, err := FixturesDir()
	require.NoError(t, err, "Failed to locate fixtures")
	return dir
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
