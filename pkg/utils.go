package pkg

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// ProjectMarkers are the files that identify a project root
var ProjectMarkers = []string{"tasks.star", "assetpipe.toml"}

// GetProjectRoot walks up from start until it finds a directory containing one of the
// ProjectMarkers. If there is none, start itself is returned.
func GetProjectRoot(start string) (string, error) {
	start, err := filepath.Abs(start)
	if err != nil {
		return "", eris.Wrap(err, "Failed to resolve the working directory")
	}

	path := start
	for {
		for _, marker := range ProjectMarkers {
			_, err := os.Stat(filepath.Join(path, marker))
			if err == nil {
				return path, nil
			}

			if !eris.Is(err, os.ErrNotExist) {
				return "", eris.Wrap(err, "Error ocurred while searching for project root")
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	return start, nil
}

func PrintTask(msg string) {
	colorstring.Printf("[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(msg string) {
	colorstring.Printf("[green][bold]  ->[reset] %s\n", msg)
}

func PrintError(msg string) {
	colorstring.Printf("[red][bold]  ->[reset] %s\n", msg)
}
