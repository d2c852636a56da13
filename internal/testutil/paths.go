package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// ErrNoModule is returned when no go.mod exists above the starting directory
var ErrNoModule = errors.New("go.mod not found in any parent directory")

// ModuleRoot returns the directory holding go.mod for the caller's source file
func ModuleRoot() (string, error) {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	return FindModuleRoot(filepath.Dir(file))
}

// FindModuleRoot walks up from dir until it finds a directory containing go.mod
func FindModuleRoot(dir string) (string, error) {
	dir = filepath.Clean(dir)
	for {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoModule
		}
		dir = parent
	}
}
