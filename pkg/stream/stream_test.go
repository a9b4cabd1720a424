package stream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func TestGlobParent(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("src/css"), GlobParent("src/css/*.css"))
	assert.Equal(t, "src", GlobParent("src/**/*.html"))
	assert.Equal(t, filepath.FromSlash("src/images"), GlobParent("!src/images/**/*"))
	assert.Equal(t, "src", GlobParent("src/index.html"))
}

func TestSrcUsesGlobParentAsBase(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/index.html":             "<p>index</p>",
		"src/pages/about.html":       "<p>about</p>",
		"src/components/header.html": "<h1>header</h1>",
		"src/css/site.css":           "a{}",
	})

	files, err := Src("", []string{
		filepath.Join(root, "src/**/*.html"),
		"!" + filepath.Join(root, "src/components/**"),
	})
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "index.html", files[0].Path)
	assert.Equal(t, "pages/about.html", files[1].Path)
	assert.Equal(t, filepath.Join(root, "src"), files[0].Base)
	assert.Equal(t, []byte("<p>about</p>"), files[1].Contents)
}

func TestSrcDeduplicatesAndSkipsMissingDirectories(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/css/a.css": "a{}",
		"src/css/b.css": "b{}",
	})

	files, err := Src("", []string{
		filepath.Join(root, "src/css/*.css"),
		filepath.Join(root, "src/css/a.css"),
		filepath.Join(root, "src/missing/*.css"),
	})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.css", files[0].Path)
	assert.Equal(t, "b.css", files[1].Path)
}

func TestExpandRejectsInvalidPattern(t *testing.T) {
	_, err := Expand([]string{"src/[a.css"})
	assert.Error(t, err)
}

func TestDestWritesRelativeToDir(t *testing.T) {
	root := t.TempDir()
	files := []*File{
		{Path: "css/site.css", Contents: []byte("a{}")},
		{Path: "index.html", Contents: []byte("<p></p>"), Mode: 0600},
	}

	written, err := Dest(filepath.Join(root, "dist"), files)
	require.NoError(t, err)
	require.Len(t, written, 2)

	data, err := os.ReadFile(filepath.Join(root, "dist", "css", "site.css"))
	require.NoError(t, err)
	assert.Equal(t, "a{}", string(data))
	assert.Equal(t, filepath.Join(root, "dist"), files[0].Base)
}

func TestFileNameHelpers(t *testing.T) {
	f := &File{Path: "css/site.min.css"}
	assert.Equal(t, ".css", f.Ext())
	assert.Equal(t, "site.min", f.Stem())
	assert.Equal(t, "css", f.Dir())

	f.SetExt(".scss")
	assert.Equal(t, "css/site.min.scss", f.Path)

	f.Rename(".", "main", ".css")
	assert.Equal(t, "main.css", f.Path)
}

func TestSrcBaseOverride(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/css/site.css": "a{}",
	})

	files, err := Src(filepath.Join(root, "src"), []string{filepath.Join(root, "src/css/*.css")})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "css/site.css", files[0].Path)

	_, err = Src(filepath.Join(root, "src/css/nested"), []string{filepath.Join(root, "src/css/*.css")})
	assert.Error(t, err)
}
