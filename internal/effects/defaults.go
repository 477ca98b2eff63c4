package effects

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed defaults/*.yaml
var defaultFS embed.FS

// InstallDefaults copies the bundled definitions into dir. Existing files are
// left alone. It returns the names of the files written.
func InstallDefaults(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(defaultFS, "defaults")
	if err != nil {
		return nil, err
	}

	var written []string
	for _, e := range entries {
		data, err := defaultFS.ReadFile("defaults/" + e.Name())
		if err != nil {
			return written, err
		}
		dst := filepath.Join(dir, e.Name())
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("install %s: %w", e.Name(), err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return written, fmt.Errorf("install %s: %w", e.Name(), err)
		}
		if err := f.Close(); err != nil {
			return written, err
		}
		written = append(written, e.Name())
	}
	return written, nil
}
