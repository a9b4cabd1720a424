package transform

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/godartsass/v2"
	"github.com/rotisserie/eris"

	"github.com/philasting/assetpipe/pkg/stream"
)

// SassCompiler lazily starts the embedded dart-sass protocol process. One compiler is shared by
// all sass steps of an invocation.
type SassCompiler struct {
	Binary  string
	Timeout time.Duration

	once       sync.Once
	transpiler *godartsass.Transpiler
	err        error
}

func (c *SassCompiler) start() (*godartsass.Transpiler, error) {
	c.once.Do(func() {
		binary := c.Binary
		if binary == "" {
			binary = "sass"
		}

		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}

		c.transpiler, c.err = godartsass.Start(godartsass.Options{
			DartSassEmbeddedFilename: binary,
			Timeout:                  timeout,
		})
		if c.err != nil {
			c.err = eris.Wrapf(c.err, "failed to start dart-sass (%s). Run \"assetpipe fetch-deps\" or set sass.binary", binary)
		}
	})

	return c.transpiler, c.err
}

// Close stops the dart-sass process if it was started
func (c *SassCompiler) Close() error {
	if c.transpiler == nil {
		return nil
	}

	return c.transpiler.Close()
}

type sassKey struct{}

// WithSassCompiler attaches c to ctx for use by sass steps
func WithSassCompiler(ctx context.Context, c *SassCompiler) context.Context {
	return context.WithValue(ctx, sassKey{}, c)
}

func sassCompiler(ctx context.Context) *SassCompiler {
	c, ok := ctx.Value(sassKey{}).(*SassCompiler)
	if !ok {
		return nil
	}

	return c
}

// Sass compiles .scss and .sass files to CSS
type Sass struct {
	IncludePaths []string
	// Style is "expanded" (default) or "compressed"
	Style string
}

func (Sass) Name() string {
	return "sass"
}

func (s Sass) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	compiler := sassCompiler(ctx)
	if compiler == nil {
		return nil, eris.New("sass: no compiler configured")
	}

	style := godartsass.OutputStyleExpanded
	switch s.Style {
	case "", "expanded":
	case "compressed":
		style = godartsass.OutputStyleCompressed
	default:
		return nil, eris.Errorf("sass: unknown output style %q", s.Style)
	}

	isSass := func(f *stream.File) bool { return hasExt(f, ".scss", ".sass") }
	files = stream.Filter(files, func(f *stream.File) bool {
		return !isSass(f) || !strings.HasPrefix(path.Base(f.Path), "_")
	})

	var transpiler *godartsass.Transpiler
	return eachFile(ctx, s.Name(), files, isSass, func(f *stream.File) error {
		if transpiler == nil {
			var err error
			transpiler, err = compiler.start()
			if err != nil {
				return err
			}
		}

		syntax := godartsass.SourceSyntaxSCSS
		if hasExt(f, ".sass") {
			syntax = godartsass.SourceSyntaxSASS
		}

		full := filepath.Join(f.Base, filepath.FromSlash(f.Path))
		includes := append([]string{filepath.Dir(full)}, s.IncludePaths...)
		res, err := transpiler.Execute(godartsass.Args{
			Source:       string(f.Contents),
			URL:          "file://" + filepath.ToSlash(full),
			IncludePaths: includes,
			OutputStyle:  style,
			SourceSyntax: syntax,
		})
		if err != nil {
			return err
		}

		f.Contents = []byte(res.CSS)
		f.SetExt(".css")
		return nil
	})
}
