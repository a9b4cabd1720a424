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

func TestHTMLMin(t *testing.T) {
	src := `<!DOCTYPE html>
<html>
  <body>
    <!-- navigation -->
    <p class="lead">Hello</p>
    <script type="text/javascript">var answer = 40 + 2 ;</script>
  </body>
</html>
`
	step := HTMLMin{
		CollapseWhitespace:    true,
		RemoveAttributeQuotes: true,
		RemoveComments:        true,
		MinifyJS:              true,
	}

	files, err := step.Apply(context.Background(), []*stream.File{{Path: "index.html", Contents: []byte(src)}})
	require.NoError(t, err)

	out := string(files[0].Contents)
	assert.NotContains(t, out, "navigation")
	assert.Contains(t, out, "class=lead")
	assert.NotContains(t, out, "text/javascript")
	assert.NotContains(t, out, "\n    ")
	assert.Less(t, len(out), len(src))

	t.Run("Should drop optional document tags unless asked to keep them", func(t *testing.T) {
		doc := "<!DOCTYPE html>\n<html>\n<head><title>Hi</title></head>\n<body><p>Hi</p></body>\n</html>\n"

		files, err := HTMLMin{CollapseWhitespace: true}.Apply(context.Background(), []*stream.File{{Path: "a.html", Contents: []byte(doc)}})
		require.NoError(t, err)
		stripped := string(files[0].Contents)
		assert.Contains(t, stripped, "<!doctype html>")
		assert.NotContains(t, stripped, "<html>")
		assert.NotContains(t, stripped, "<body>")

		files, err = HTMLMin{CollapseWhitespace: true, KeepDocumentTags: true}.Apply(context.Background(), []*stream.File{{Path: "a.html", Contents: []byte(doc)}})
		require.NoError(t, err)
		kept := string(files[0].Contents)
		assert.Contains(t, kept, "<!doctype html>")
		assert.Contains(t, kept, "<html>")
		assert.Contains(t, kept, "<head>")
		assert.Contains(t, kept, "<body>")
	})
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0644))
	}
}

func TestFileInclude(t *testing.T) {
	ctx := context.Background()

	t.Run("Should expand nested fragments with variables", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"components/header.html": "<h1>@-@title</h1>@-@include('nav.html')",
			"components/nav.html":    "<nav>@-@title</nav>",
		})

		page := &stream.File{
			Base:     filepath.Join(root, "src"),
			Path:     "index.html",
			Contents: []byte(`@-@include('header.html', {"title": "Home"})<p>@-@site</p>`),
		}
		step := FileInclude{
			Prefix:   "@-@",
			BasePath: filepath.Join(root, "components"),
			Context:  map[string]string{"site": "Demo"},
		}

		files, err := step.Apply(ctx, []*stream.File{page})
		require.NoError(t, err)
		assert.Equal(t, "<h1>Home</h1><nav>Home</nav><p>Demo</p>", string(files[0].Contents))
		assert.ElementsMatch(t, []string{
			filepath.Join(root, "components", "header.html"),
			filepath.Join(root, "components", "nav.html"),
		}, files[0].Deps)
	})

	t.Run("Should resolve relative to the including file without a base path", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"partials/footer.html": "<footer>@@page.year</footer>",
		})

		page := &stream.File{
			Base:     root,
			Path:     "index.html",
			Contents: []byte(`@@include("partials/footer.html", {page: {year: 2024}}) @@unknown`),
		}

		files, err := FileInclude{}.Apply(ctx, []*stream.File{page})
		require.NoError(t, err)
		assert.Equal(t, "<footer>2024</footer> @@unknown", string(files[0].Contents))
	})

	t.Run("Should detect include cycles", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"a.html": "@@include('b.html')",
			"b.html": "@@include('a.html')",
		})

		page := &stream.File{Base: root, Path: "index.html", Contents: []byte("@@include('a.html')")}
		_, err := FileInclude{}.Apply(ctx, []*stream.File{page})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "include cycle")
	})

	t.Run("Should fail for missing fragments", func(t *testing.T) {
		page := &stream.File{Base: t.TempDir(), Path: "index.html", Contents: []byte("@@include('missing.html')")}
		_, err := FileInclude{}.Apply(ctx, []*stream.File{page})
		assert.Error(t, err)
	})
}
