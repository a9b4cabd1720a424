package cmd

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/philasting/assetpipe/pkg"
	"github.com/philasting/assetpipe/pkg/config"
	"github.com/philasting/assetpipe/pkg/pipeline"
)

// writeNew creates path with content and fails if it already exists
func writeNew(path string, content []byte) error {
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if eris.Is(err, os.ErrExist) {
			return eris.Errorf("%s already exists, refusing to overwrite it", path)
		}
		return eris.Wrapf(err, "Failed to create %s", path)
	}
	defer handle.Close()

	_, err = handle.Write(content)
	if err != nil {
		return eris.Wrapf(err, "Failed to write %s", path)
	}
	return handle.Close()
}

func initProject(dir string) error {
	files := []struct {
		name    string
		content []byte
	}{
		{"tasks.star", pipeline.DefaultScript},
		{config.FileName, []byte(config.Template)},
	}

	for _, file := range files {
		if _, err := os.Stat(filepath.Join(dir, file.name)); err == nil {
			return eris.Errorf("%s already exists, refusing to overwrite it", file.name)
		}
	}

	for _, file := range files {
		err := writeNew(filepath.Join(dir, file.name), file.content)
		if err != nil {
			return err
		}
		pkg.PrintSubtask("Created " + file.name)
	}
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Writes the built-in tasks.star and a commented assetpipe.toml into the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "Failed to retrieve the current working directory")
		}

		pkg.PrintTask("Initializing " + wd)
		return initProject(wd)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
