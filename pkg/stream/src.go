package stream

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// Match is a single file found by Expand
type Match struct {
	// Base is the static prefix of the pattern that produced this match
	Base string
	// Path is the absolute path of the file
	Path string
}

// GlobParent returns the static directory prefix of pattern, ignoring a leading "!"
func GlobParent(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "!")
	if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return filepath.Dir(pattern)
	}

	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	return filepath.FromSlash(base)
}

func absPattern(pattern string) (string, error) {
	negated := strings.HasPrefix(pattern, "!")
	pattern = strings.TrimPrefix(pattern, "!")

	if !filepath.IsAbs(pattern) {
		// only the static prefix may be touched by filepath.Abs since it cleans the pattern
		base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
		absBase, err := filepath.Abs(filepath.FromSlash(base))
		if err != nil {
			return "", err
		}
		pattern = path.Join(filepath.ToSlash(absBase), rest)
	}

	pattern = filepath.ToSlash(pattern)
	if negated {
		return "!" + pattern, nil
	}
	return pattern, nil
}

// Expand resolves the passed glob patterns to a sorted, deduplicated list of files.
// Patterns starting with "!" remove matching files from the result regardless of their position.
func Expand(patterns []string) ([]Match, error) {
	includes := make([]string, 0, len(patterns))
	excludes := make([]string, 0)

	for _, item := range patterns {
		pattern, err := absPattern(item)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		if !doublestar.ValidatePattern(strings.TrimPrefix(pattern, "!")) {
			return nil, eris.Errorf("invalid glob pattern %s", item)
		}

		if strings.HasPrefix(pattern, "!") {
			excludes = append(excludes, pattern[1:])
		} else {
			includes = append(includes, pattern)
		}
	}

	seen := make(map[string]bool)
	result := make([]Match, 0)
	for _, pattern := range includes {
		base, rest := doublestar.SplitPattern(pattern)

		info, err := os.Stat(filepath.FromSlash(base))
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, eris.Wrapf(err, "failed to check %s", base)
		}
		if !info.IsDir() {
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(filepath.FromSlash(base)), rest, doublestar.WithFilesOnly())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		for _, match := range matches {
			full := path.Join(base, match)
			if seen[full] || isExcluded(excludes, full) {
				continue
			}

			seen[full] = true
			result = append(result, Match{
				Base: filepath.FromSlash(base),
				Path: filepath.FromSlash(full),
			})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result, nil
}

func isExcluded(excludes []string, file string) bool {
	for _, pattern := range excludes {
		if ok, _ := doublestar.Match(pattern, file); ok {
			return true
		}
	}

	return false
}

// Src reads all files matched by patterns into memory. If base is not empty, it replaces the
// glob parent as the directory the file paths are relative to.
func Src(base string, patterns []string) ([]*File, error) {
	matches, err := Expand(patterns)
	if err != nil {
		return nil, err
	}

	if base != "" {
		base, err = filepath.Abs(base)
		if err != nil {
			return nil, err
		}
	}

	files := make([]*File, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match.Path)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to check %s", match.Path)
		}

		contents, err := os.ReadFile(match.Path)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", match.Path)
		}

		fileBase := match.Base
		if base != "" {
			fileBase = base
		}

		rel, err := filepath.Rel(fileBase, match.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, eris.Errorf("%s is not inside the base directory %s", match.Path, fileBase)
		}

		files = append(files, &File{
			Base:     fileBase,
			Path:     filepath.ToSlash(rel),
			Contents: contents,
			Mode:     info.Mode().Perm(),
			ModTime:  info.ModTime(),
		})
	}

	return files, nil
}
