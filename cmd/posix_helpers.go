package cmd

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// expandArgs resolves glob patterns on Windows where the shell interpreter passes them through
// unexpanded. Patterns without matches are an error unless allowMissing is set.
func expandArgs(args []string, allowMissing bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := []string{}
	for _, arg := range args {
		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if len(matches) == 0 {
			if allowMissing {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}
	return items, nil
}

func movePaths(sources []string, dest string) error {
	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}

	if len(sources) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range sources {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

func removePaths(items []string, recursive, force bool) error {
	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

func makeDirs(items []string, parents bool) error {
	for _, item := range items {
		var err error
		if parents {
			err = os.MkdirAll(item, 0755)
		} else {
			err = os.Mkdir(item, 0755)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

var mvCmd = &cobra.Command{
	Use:    "mv",
	Short:  "Cross-platform implementation of the POSIX mv command",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return eris.New("Not enough parameters")
		}

		items, err := expandArgs(args[:len(args)-1], false)
		if err != nil {
			return err
		}

		return movePaths(items, args[len(args)-1])
	},
}

var rmCmd = &cobra.Command{
	Use:    "rm",
	Short:  "A cross-platform implementation of the POSIX rm command",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		items, err := expandArgs(args, force)
		if err != nil {
			return err
		}

		return removePaths(items, recursive, force)
	},
}

var mkdirCmd = &cobra.Command{
	Use:    "mkdir",
	Short:  "A cross-platform implementation of the POSIX mkdir command",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		parents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		return makeDirs(args, parents)
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")

	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mkdirCmd)
}
