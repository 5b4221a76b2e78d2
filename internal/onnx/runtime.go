package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/yalue/onnxruntime_go"
)

// EnvLibraryPath overrides the ONNX Runtime shared library location.
const EnvLibraryPath = "MEDVISION_ONNXRUNTIME_LIB"

const (
	libLinux   = "libonnxruntime.so"
	libDarwin  = "libonnxruntime.dylib"
	libWindows = "onnxruntime.dll"
)

var runtimeMu sync.Mutex

// libraryName returns the shared library filename for the current OS.
func libraryName() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return libLinux, nil
	case "darwin":
		return libDarwin, nil
	case "windows":
		return libWindows, nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// systemLibraryPaths lists well-known install locations, GPU builds first
// when useGPU is set.
func systemLibraryPaths(useGPU bool) []string {
	cpu := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
	}
	if useGPU {
		return append([]string{"/opt/onnxruntime/gpu/lib/libonnxruntime.so"}, cpu...)
	}
	return cpu
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not find project root")
		}
		dir = parent
	}
}

// libraryCandidates returns the ordered list of paths probed for the shared
// library.
func libraryCandidates(explicit string, useGPU bool) []string {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if env := os.Getenv(EnvLibraryPath); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, systemLibraryPaths(useGPU)...)

	if root, err := findProjectRoot(); err == nil {
		if name, err := libraryName(); err == nil {
			if useGPU {
				candidates = append(candidates, filepath.Join(root, "onnxruntime", "gpu", "lib", name))
			}
			candidates = append(candidates, filepath.Join(root, "onnxruntime", "lib", name))
		}
	}
	return candidates
}

// ResolveLibraryPath returns the first existing ONNX Runtime shared library.
func ResolveLibraryPath(explicit string, useGPU bool) (string, error) {
	candidates := libraryCandidates(explicit, useGPU)
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("ONNX Runtime library not found (tried %d locations)", len(candidates))
}

// InitializeRuntime points onnxruntime_go at the shared library and
// initializes the process-wide environment once.
func InitializeRuntime(explicit string, useGPU bool) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if onnxruntime_go.IsInitialized() {
		return nil
	}

	libPath, err := ResolveLibraryPath(explicit, useGPU)
	if err != nil {
		return err
	}
	onnxruntime_go.SetSharedLibraryPath(libPath)

	if err := onnxruntime_go.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	slog.Debug("ONNX Runtime initialized", "library", libPath, "gpu", useGPU)
	return nil
}

// ShutdownRuntime tears down the process-wide environment.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !onnxruntime_go.IsInitialized() {
		return nil
	}
	return onnxruntime_go.DestroyEnvironment()
}
