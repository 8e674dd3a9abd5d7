// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"os"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// CleanAndExpandPath expands environment variables and a leading ~ in path
// and cleans the result. homeDir replaces the ~.
func CleanAndExpandPath(path, homeDir string) string {
	if strings.HasPrefix(path, "~") {
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// os.ExpandEnv does not handle cmd.exe style %VARIABLE%.
	return filepath.Clean(os.ExpandEnv(path))
}
