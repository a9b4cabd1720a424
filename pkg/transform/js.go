package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"github.com/philasting/assetpipe/pkg/stream"
)

var esTargets = map[string]api.Target{
	"es2015": api.ES2015,
	"es6":    api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

var esLoaders = map[string]api.Loader{
	".js":  api.LoaderJS,
	".mjs": api.LoaderJS,
	".jsx": api.LoaderJSX,
	".ts":  api.LoaderTS,
	".tsx": api.LoaderTSX,
}

// Babel lowers modern JavaScript syntax to Target
type Babel struct {
	Target string
}

func (Babel) Name() string {
	return "babel"
}

func formatESMessages(msgs []api.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location == nil {
			lines = append(lines, msg.Text)
			continue
		}

		loc := msg.Location
		lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", loc.File, loc.Line, loc.Column, msg.Text))
	}

	return strings.Join(lines, "\n")
}

func (b Babel) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	targetName := strings.ToLower(b.Target)
	if targetName == "" {
		targetName = "es2015"
	}

	target, ok := esTargets[targetName]
	if !ok {
		return nil, eris.Errorf("babel: unsupported target %q", b.Target)
	}

	isScript := func(f *stream.File) bool {
		_, ok := esLoaders[strings.ToLower(f.Ext())]
		return ok
	}

	return eachFile(ctx, b.Name(), files, isScript, func(f *stream.File) error {
		res := api.Transform(string(f.Contents), api.TransformOptions{
			Loader:     esLoaders[strings.ToLower(f.Ext())],
			Target:     target,
			Sourcefile: f.Path,
		})
		if len(res.Errors) > 0 {
			return eris.New(formatESMessages(res.Errors))
		}

		f.Contents = res.Code
		if !hasExt(f, ".js", ".mjs") {
			f.SetExt(".js")
		}
		return nil
	})
}

// Uglify minifies JavaScript files
type Uglify struct {
	Mangle bool
}

func (Uglify) Name() string {
	return "uglify"
}

func (u Uglify) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	m := minify.New()
	m.Add("application/javascript", &js.Minifier{KeepVarNames: !u.Mangle})

	return eachFile(ctx, u.Name(), files, func(f *stream.File) bool { return hasExt(f, ".js", ".mjs") }, func(f *stream.File) error {
		out, err := m.Bytes("application/javascript", f.Contents)
		if err != nil {
			return err
		}

		f.Contents = out
		return nil
	})
}
