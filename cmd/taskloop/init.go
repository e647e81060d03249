package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/taskloop/internal/defaults"
)

// runInit prepares a taskloop working directory: the data and workspace
// directories plus an example config.yaml. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing taskloop in %s\n", dir)

	for _, sub := range []string{"data", filepath.Join("data", "workspace")} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may hold API keys and broker credentials.
	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to choose models and enable tools, then run:")
	fmt.Fprintf(w, "  taskloop -config %s serve\n", configPath)
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
