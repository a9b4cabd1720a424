package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philasting/assetpipe/pkg/stream"
)

func TestRevAndRename(t *testing.T) {
	ctx := context.Background()
	f := &stream.File{Path: "css/site.css", Contents: []byte("a{}")}
	hash := ContentHash(f.Contents)
	require.Len(t, hash, HashLength)

	files, err := Rev{}.Apply(ctx, []*stream.File{f})
	require.NoError(t, err)
	assert.Equal(t, "css/site-"+hash+".css", files[0].Path)
	assert.Equal(t, "css/site.css", files[0].RevOrigPath)
	assert.Equal(t, hash, files[0].Hash)

	files, err = Rename{Suffix: ".min"}.Apply(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, "css/site-"+hash+".min.css", files[0].Path)
	assert.Equal(t, "css/site.css", files[0].RevOrigPath)

	other := &stream.File{Path: "css/other.css", Contents: []byte("a{}")}
	again, err := Rev{}.Apply(ctx, []*stream.File{other})
	require.NoError(t, err)
	assert.Equal(t, hash, again[0].Hash)

	short, err := Rev{Length: 8}.Apply(ctx, []*stream.File{{Path: "a.js", Contents: []byte("a{}")}})
	require.NoError(t, err)
	assert.Equal(t, "a-"+hash[:8]+".js", short[0].Path)

	_, err = Rev{Length: 3}.Apply(ctx, []*stream.File{{Path: "a.js"}})
	assert.Error(t, err)
}

func TestRenameParts(t *testing.T) {
	f := &stream.File{Path: "js/app.js"}
	files, err := Rename{Dirname: "scripts", Basename: "main", Prefix: "x-", Extname: ".mjs"}.Apply(context.Background(), []*stream.File{f})
	require.NoError(t, err)
	assert.Equal(t, "scripts/x-main.mjs", files[0].Path)

	_, err = Rename{Dirname: "../outside"}.Apply(context.Background(), []*stream.File{{Path: "a.js"}})
	assert.Error(t, err)
}

func TestRevCollect(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "rev-manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"css/site.css": "css/site-0123456789.min.css", "js/app.js": "js/app-aaaaaaaaaa.min.js"}`), 0644))

	src := `<link href="css/site.css"><link href="css/site-abcdefabcd.min.css">` +
		`<script src="../js/app.js"></script><a href="css/site.css.map">map</a><a href="mycss/site.css">x</a>`

	t.Run("Should replace original and previously revved names", func(t *testing.T) {
		page := &stream.File{Path: "index.html", Contents: []byte(src)}
		step := RevCollect{Manifest: manifestPath, ReplaceReved: true}

		files, err := step.Apply(context.Background(), []*stream.File{page})
		require.NoError(t, err)

		expected := `<link href="css/site-0123456789.min.css"><link href="css/site-0123456789.min.css">` +
			`<script src="../js/app-aaaaaaaaaa.min.js"></script><a href="css/site.css.map">map</a><a href="mycss/site.css">x</a>`
		assert.Equal(t, expected, string(files[0].Contents))

		files, err = step.Apply(context.Background(), files)
		require.NoError(t, err)
		assert.Equal(t, expected, string(files[0].Contents))
	})

	t.Run("Should keep revved names without replace_reved", func(t *testing.T) {
		page := &stream.File{Path: "index.html", Contents: []byte(src)}
		files, err := RevCollect{Manifest: manifestPath}.Apply(context.Background(), []*stream.File{page})
		require.NoError(t, err)
		assert.Contains(t, string(files[0].Contents), "css/site-abcdefabcd.min.css")
		assert.Contains(t, string(files[0].Contents), `<link href="css/site-0123456789.min.css">`)
	})

	t.Run("Should leave files untouched if the manifest is missing", func(t *testing.T) {
		page := &stream.File{Path: "index.html", Contents: []byte(src)}
		files, err := RevCollect{Manifest: filepath.Join(dir, "missing.json")}.Apply(context.Background(), []*stream.File{page})
		require.NoError(t, err)
		assert.Equal(t, src, string(files[0].Contents))
	})
}
