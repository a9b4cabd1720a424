// Package transform contains the steps a pipe can apply to its files. Every step delegates the
// actual work to a third-party library; the steps themselves only adapt files and options.
package transform

import (
	"context"
	"encoding/gob"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/philasting/assetpipe/pkg/stream"
)

// Step transforms the files flowing through a pipe. A step may drop files or add new ones.
type Step interface {
	Name() string
	Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error)
}

func init() {
	gob.Register(Autoprefixer{})
	gob.Register(CSSMin{})
	gob.Register(Sass{})
	gob.Register(Babel{})
	gob.Register(Uglify{})
	gob.Register(HTMLMin{})
	gob.Register(FileInclude{})
	gob.Register(ImageMin{})
	gob.Register(Rev{})
	gob.Register(Rename{})
	gob.Register(RevCollect{})
	gob.Register(Brotli{})
}

var textExtensions = map[string]bool{
	".html": true,
	".htm":  true,
	".css":  true,
	".js":   true,
	".mjs":  true,
	".json": true,
	".map":  true,
	".svg":  true,
	".xml":  true,
	".txt":  true,
}

func isText(f *stream.File) bool {
	return textExtensions[strings.ToLower(path.Ext(f.Path))]
}

func hasExt(f *stream.File, exts ...string) bool {
	ext := strings.ToLower(path.Ext(f.Path))
	for _, item := range exts {
		if ext == item {
			return true
		}
	}

	return false
}

// eachFile applies fn to every file accepted by filter and passes the others through unchanged
func eachFile(ctx context.Context, step string, files []*stream.File, filter func(*stream.File) bool, fn func(*stream.File) error) ([]*stream.File, error) {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if filter != nil && !filter(f) {
			continue
		}

		err := fn(f)
		if err != nil {
			return nil, eris.Wrapf(err, "%s failed for %s", step, f.Path)
		}
	}

	return files, nil
}
