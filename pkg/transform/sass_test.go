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

func TestSassWithoutCompiler(t *testing.T) {
	_, err := Sass{}.Apply(context.Background(), nil)
	assert.Error(t, err)
}

func TestSassDropsPartials(t *testing.T) {
	compiler := &SassCompiler{Binary: filepath.Join(t.TempDir(), "missing-sass")}
	ctx := WithSassCompiler(context.Background(), compiler)

	files, err := Sass{}.Apply(ctx, []*stream.File{
		{Path: "_variables.scss", Contents: []byte("$c: red;")},
		{Path: "plain.css", Contents: []byte("a{}")},
	})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "plain.css", files[0].Path)
	assert.NoError(t, compiler.Close())
}

func TestSassCompile(t *testing.T) {
	binary := os.Getenv("DART_SASS_BINARY")
	if binary == "" {
		t.Skip("DART_SASS_BINARY is not set")
	}

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"_colors.scss": "$primary: #336699;",
	})

	compiler := &SassCompiler{Binary: binary}
	defer compiler.Close()
	ctx := WithSassCompiler(context.Background(), compiler)

	files, err := Sass{Style: "compressed"}.Apply(ctx, []*stream.File{{
		Base:     root,
		Path:     "site.scss",
		Contents: []byte("@use 'colors';\n.a { .b { color: colors.$primary; } }\n"),
	}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "site.css", files[0].Path)
	assert.Equal(t, ".a .b{color:#369}", string(files[0].Contents))
}
