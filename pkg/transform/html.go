package transform

import (
	"context"
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/philasting/assetpipe/pkg/stream"
)

// HTMLMin minifies HTML documents
type HTMLMin struct {
	CollapseWhitespace    bool
	RemoveAttributeQuotes bool
	RemoveComments        bool
	KeepEndTags           bool
	// KeepDocumentTags keeps the optional <html>, <head> and <body> tags. The doctype is always kept.
	KeepDocumentTags bool
	// MinifyCSS and MinifyJS enable minification of inline <style> and <script> content
	MinifyCSS bool
	MinifyJS  bool
}

func (HTMLMin) Name() string {
	return "htmlmin"
}

func (h HTMLMin) minifier() *minify.M {
	m := minify.New()
	m.Add("text/html", &html.Minifier{
		KeepWhitespace:   !h.CollapseWhitespace,
		KeepQuotes:       !h.RemoveAttributeQuotes,
		KeepComments:     !h.RemoveComments,
		KeepEndTags:      h.KeepEndTags,
		KeepDocumentTags: h.KeepDocumentTags,
	})
	m.AddFunc("image/svg+xml", svg.Minify)

	if h.MinifyCSS {
		m.AddFunc("text/css", css.Minify)
	}
	if h.MinifyJS {
		m.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), js.Minify)
	}

	return m
}

func (h HTMLMin) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	m := h.minifier()

	return eachFile(ctx, h.Name(), files, func(f *stream.File) bool { return hasExt(f, ".html", ".htm") }, func(f *stream.File) error {
		out, err := m.Bytes("text/html", f.Contents)
		if err != nil {
			return err
		}

		f.Contents = out
		return nil
	})
}
