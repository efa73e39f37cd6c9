// Package paths resolves the filesystem locations Newsreel writes to.
// Config values may use a leading ~ for the user's home directory; all
// resolution happens once at startup so components receive absolute
// paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// DataDir expands and creates the data directory, returning its
// absolute path.
func DataDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	dir = ExpandHome(dir)

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return abs, nil
}

// DataFile returns the path of a named file inside the (already
// resolved) data directory.
func DataFile(dataDir, name string) string {
	return filepath.Join(dataDir, name)
}
