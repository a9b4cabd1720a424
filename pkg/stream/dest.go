package stream

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Dest writes files below dir and returns the absolute paths that were written.
// After writing, each file's Base points to dir.
func Dest(dir string, files []*File) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		dest := filepath.Join(dir, filepath.FromSlash(f.Path))
		err := os.MkdirAll(filepath.Dir(dest), 0755)
		if err != nil {
			return written, eris.Wrapf(err, "failed to create directory %s", filepath.Dir(dest))
		}

		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}

		err = os.WriteFile(dest, f.Contents, mode)
		if err != nil {
			return written, eris.Wrapf(err, "failed to write %s", dest)
		}

		f.Base = dir
		written = append(written, dest)
	}

	return written, nil
}
