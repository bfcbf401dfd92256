package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

const dirPerm = 0o755

var counterSuffix = regexp.MustCompile(`^(.+?) \((\d+)\)$`)

// NextName returns the candidate that follows name: "X" becomes "X (1)" and
// "X (N)" becomes "X (N+1)".
func NextName(name string) string {
	if m := counterSuffix.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return fmt.Sprintf("%s (%d)", m[1], n+1)
		}
	}
	return name + " (1)"
}

// MakeUniqueDir creates path, or the first free sibling name produced by
// NextName if path already exists. It returns the directory it created and
// never reuses an existing one. Parents are created as needed.
func MakeUniqueDir(path string) (string, error) {
	parent, name := filepath.Split(filepath.Clean(path))
	if parent != "" {
		if err := os.MkdirAll(parent, dirPerm); err != nil {
			return "", fmt.Errorf("create parent directory: %w", err)
		}
	}

	for {
		candidate := filepath.Join(parent, name)
		err := os.Mkdir(candidate, dirPerm)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create directory: %w", err)
		}
		info, statErr := os.Stat(candidate)
		if statErr != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("create directory %s: a file with that name exists", candidate)
		}
		name = NextName(name)
	}
}
