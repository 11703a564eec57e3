package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanyungyang/clpp/pkg/config"
)

// writeConfig stores a hostsim-only configuration and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	c := config.DefaultConfig()
	c.Runtime = "hostsim"
	c.Fallback = false
	c.Logging.Level = "error"
	c.Build.Cache.Path = filepath.Join(t.TempDir(), "cache")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, c.Save(path))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDevicesCommand(t *testing.T) {
	out, err := execute(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "Runtime: hostsim")
	assert.Contains(t, out, "clpp host simulator")
	assert.Contains(t, out, "hostsim gpu")
	assert.Contains(t, out, "Maximum work-item sizes:")
}

func TestSquareCommand(t *testing.T) {
	out, err := execute(t, "square", "--count", "1024", "--local", "64", "--device", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Running on hostsim cpu")
	assert.Contains(t, out, "PASSED")

	_, err = execute(t, "square", "--device", "7")
	assert.Error(t, err)
}

func TestCompileCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "square.cl")
	require.NoError(t, os.WriteFile(good, []byte(squareSource), 0o644))
	bad := filepath.Join(dir, "broken.cl")
	require.NoError(t, os.WriteFile(bad, []byte("kernel void square(global int* output) { output[i] = i;"), 0o644))

	out, err := execute(t, "compile", good)
	require.NoError(t, err)
	assert.Contains(t, out, "Kernels: square")

	out, err = execute(t, "compile", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build failed on 2 of 2 devices")
	assert.Contains(t, out, "unmatched '{'")

	_, err = execute(t, "compile", filepath.Join(dir, "missing.cl"))
	assert.Error(t, err)
}

func TestProfileCommand(t *testing.T) {
	out, err := execute(t, "profile", "--runs", "2", "--count", "64", "--iterations", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "execution")
	assert.Contains(t, out, "   2 ")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	rootCmd.SetArgs([]string{"--config", path, "config", "init"})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, path)

	rootCmd.SetArgs([]string{"--config", path, "config", "init"})
	assert.Error(t, rootCmd.Execute(), "refuses to overwrite")

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().DeviceType, loaded.DeviceType)
}
