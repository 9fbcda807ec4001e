package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// errNoModule is returned when no go.mod is found above this package
var errNoModule = errors.New("go.mod not found in any parent directory")

// FindProjectRoot returns the directory holding the module's go.mod. The
// search starts from this package's source directory, so it does not depend
// on the working directory of the test binary.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	return findGoMod(filepath.Dir(filename))
}

func findGoMod(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNoModule
		}
		dir = parent
	}
}
