package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGPUConfig(t *testing.T) {
	cfg := DefaultGPUConfig()

	assert.False(t, cfg.UseGPU)
	assert.Equal(t, 0, cfg.DeviceID)
	assert.Zero(t, cfg.GPUMemLimit)
	assert.Equal(t, "kNextPowerOfTwo", cfg.ArenaExtendStrategy)
	assert.Equal(t, "DEFAULT", cfg.CUDNNConvAlgoSearch)
	assert.True(t, cfg.DoCopyInDefaultStream)
}

func TestValidateGPUConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GPUConfig
		wantErr bool
	}{
		{name: "valid CPU config", config: DefaultGPUConfig()},
		{name: "valid GPU config", config: GPUConfig{UseGPU: true, ArenaExtendStrategy: "kNextPowerOfTwo", CUDNNConvAlgoSearch: "DEFAULT"}},
		{name: "negative device ID", config: GPUConfig{UseGPU: true, DeviceID: -1}, wantErr: true},
		{name: "invalid arena extend strategy", config: GPUConfig{UseGPU: true, ArenaExtendStrategy: "invalid"}, wantErr: true},
		{name: "invalid CUDNN algo search", config: GPUConfig{UseGPU: true, CUDNNConvAlgoSearch: "invalid"}, wantErr: true},
		{name: "kSameAsRequested", config: GPUConfig{UseGPU: true, ArenaExtendStrategy: "kSameAsRequested"}},
		{name: "HEURISTIC", config: GPUConfig{UseGPU: true, CUDNNConvAlgoSearch: "HEURISTIC"}},
		{name: "invalid values ignored on CPU", config: GPUConfig{DeviceID: -1, ArenaExtendStrategy: "bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGPUConfig(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCUDASettings(t *testing.T) {
	cfg := DefaultGPUConfig()
	cfg.UseGPU = true
	cfg.DeviceID = 1
	cfg.GPUMemLimit = 1024

	s := cudaSettings(cfg)
	assert.Equal(t, "1", s["device_id"])
	assert.Equal(t, "1024", s["gpu_mem_limit"])
	assert.Equal(t, "1", s["do_copy_in_default_stream"])

	cfg.DoCopyInDefaultStream = false
	cfg.GPUMemLimit = 0
	s = cudaSettings(cfg)
	assert.Equal(t, "0", s["do_copy_in_default_stream"])
	_, ok := s["gpu_mem_limit"]
	assert.False(t, ok)
}

func TestSystemLibraryPaths(t *testing.T) {
	assert.Len(t, systemLibraryPaths(false), 3)
	gpu := systemLibraryPaths(true)
	require.Len(t, gpu, 4)
	assert.Contains(t, gpu[0], "gpu")
}

func TestLibraryName(t *testing.T) {
	name, err := libraryName()
	require.NoError(t, err)
	assert.Contains(t, name, "onnxruntime")
}

func TestResolveLibraryPath_Explicit(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, []byte("fake"), 0o644))

	got, err := ResolveLibraryPath(lib, false)
	require.NoError(t, err)
	assert.Equal(t, lib, got)
}

func TestResolveLibraryPath_Env(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "custom.so")
	require.NoError(t, os.WriteFile(lib, []byte("fake"), 0o644))
	t.Setenv(EnvLibraryPath, lib)

	got, err := ResolveLibraryPath(filepath.Join(dir, "missing.so"), false)
	require.NoError(t, err)
	assert.Equal(t, lib, got)
}

func TestLibraryCandidatesOrder(t *testing.T) {
	t.Setenv(EnvLibraryPath, "/from/env.so")
	c := libraryCandidates("/explicit.so", false)
	require.GreaterOrEqual(t, len(c), 2)
	assert.Equal(t, "/explicit.so", c[0])
	assert.Equal(t, "/from/env.so", c[1])
}

func TestFindProjectRoot(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "project")
	subDir := filepath.Join(projectDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "go.mod"), []byte("module test\n"), 0o644))

	t.Chdir(subDir)

	root, err := findProjectRoot()
	require.NoError(t, err)
	assert.Equal(t, projectDir, root)
}

func TestNewSession_MissingModel(t *testing.T) {
	_, err := NewSession(SessionConfig{})
	assert.Error(t, err)

	_, err = NewSession(SessionConfig{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file not found")
}
