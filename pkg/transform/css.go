package transform

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/parse/v2"
	parsecss "github.com/tdewolff/parse/v2/css"

	"github.com/philasting/assetpipe/pkg/stream"
)

// DefaultPrefixes lists the properties that still need vendor prefixes in the browsers
// covered by the usual "last 2 versions, > 0.5%" query.
var DefaultPrefixes = map[string][]string{
	"appearance":           {"-webkit-", "-moz-"},
	"backdrop-filter":      {"-webkit-"},
	"backface-visibility":  {"-webkit-"},
	"box-decoration-break": {"-webkit-"},
	"clip-path":            {"-webkit-"},
	"hyphens":              {"-webkit-", "-ms-"},
	"mask":                 {"-webkit-"},
	"mask-image":           {"-webkit-"},
	"mask-position":        {"-webkit-"},
	"mask-repeat":          {"-webkit-"},
	"mask-size":            {"-webkit-"},
	"print-color-adjust":   {"-webkit-"},
	"tab-size":             {"-moz-"},
	"text-emphasis":        {"-webkit-"},
	"text-size-adjust":     {"-webkit-", "-moz-", "-ms-"},
	"user-select":          {"-webkit-", "-moz-", "-ms-"},
}

// valuePrefixes lists property values that need prefixed variants
var valuePrefixes = map[string]map[string][]string{
	"position": {"sticky": {"-webkit-"}},
}

// Autoprefixer adds vendor-prefixed declarations in front of the standard ones
type Autoprefixer struct {
	// Prefixes overrides or extends DefaultPrefixes. An empty list disables prefixing for a property.
	Prefixes map[string][]string
}

func (Autoprefixer) Name() string {
	return "autoprefixer"
}

func (a Autoprefixer) table() map[string][]string {
	if len(a.Prefixes) == 0 {
		return DefaultPrefixes
	}

	table := make(map[string][]string, len(DefaultPrefixes)+len(a.Prefixes))
	for prop, prefixes := range DefaultPrefixes {
		table[prop] = prefixes
	}
	for prop, prefixes := range a.Prefixes {
		table[strings.ToLower(prop)] = prefixes
	}
	return table
}

func (a Autoprefixer) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	table := a.table()
	return eachFile(ctx, a.Name(), files, func(f *stream.File) bool { return hasExt(f, ".css") }, func(f *stream.File) error {
		out, err := prefixCSS(f.Contents, table)
		if err != nil {
			return err
		}

		f.Contents = out
		return nil
	})
}

type cssDecl struct {
	raw   string
	prop  string
	value string
}

// cssBlock buffers the content of a ruleset or at-rule block since prefixes may only be added
// if the block doesn't already declare them further down.
type cssBlock struct {
	prelude string
	items   []cssDecl
	seen    map[string]bool
}

func newCSSBlock(prelude string) *cssBlock {
	return &cssBlock{prelude: prelude, seen: map[string]bool{}}
}

func (b *cssBlock) raw(s string) {
	b.items = append(b.items, cssDecl{raw: s})
}

func (b *cssBlock) decl(prop, value string) {
	key := strings.ToLower(prop)
	b.items = append(b.items, cssDecl{prop: prop, value: value})
	b.seen[key] = true
	b.seen[key+":"+strings.ToLower(value)] = true
}

func (b *cssBlock) render(table map[string][]string) string {
	var out strings.Builder
	out.WriteString(b.prelude)

	for _, item := range b.items {
		if item.prop == "" {
			out.WriteString(item.raw)
			continue
		}

		key := strings.ToLower(item.prop)
		for _, prefix := range table[key] {
			if !b.seen[prefix+key] {
				out.WriteString(prefix + item.prop + ":" + item.value + ";")
			}
		}

		lowerValue := strings.ToLower(item.value)
		for _, prefix := range valuePrefixes[key][lowerValue] {
			if !b.seen[key+":"+prefix+lowerValue] {
				out.WriteString(item.prop + ":" + prefix + item.value + ";")
			}
		}

		out.WriteString(item.prop + ":" + item.value + ";")
	}

	if b.prelude != "" {
		out.WriteString("}")
	}
	return out.String()
}

func cssValues(values []parsecss.Token) string {
	var buf strings.Builder
	for _, val := range values {
		buf.Write(val.Data)
	}

	return strings.TrimSpace(buf.String())
}

func prefixCSS(src []byte, table map[string][]string) ([]byte, error) {
	p := parsecss.NewParser(parse.NewInput(bytes.NewReader(src)), false)
	stack := []*cssBlock{newCSSBlock("")}

	for {
		gt, _, data := p.Next()
		top := stack[len(stack)-1]

		switch gt {
		case parsecss.ErrorGrammar:
			if p.Err() != io.EOF {
				return nil, eris.Wrap(p.Err(), "failed to parse CSS")
			}
			if len(stack) != 1 {
				return nil, eris.New("unexpected end of CSS input: unclosed block")
			}
			return []byte(top.render(table)), nil
		case parsecss.BeginAtRuleGrammar:
			stack = append(stack, newCSSBlock(string(data)+" "+cssValues(p.Values())+"{"))
		case parsecss.BeginRulesetGrammar:
			stack = append(stack, newCSSBlock(cssValues(p.Values())+"{"))
		case parsecss.EndAtRuleGrammar, parsecss.EndRulesetGrammar:
			if len(stack) < 2 {
				return nil, eris.New("unbalanced closing brace in CSS")
			}
			stack = stack[:len(stack)-1]
			stack[len(stack)-1].raw(top.render(table))
		case parsecss.QualifiedRuleGrammar:
			top.raw(cssValues(p.Values()) + ",")
		case parsecss.AtRuleGrammar:
			top.raw(string(data) + " " + cssValues(p.Values()) + ";")
		case parsecss.DeclarationGrammar:
			top.decl(string(data), cssValues(p.Values()))
		case parsecss.CustomPropertyGrammar:
			top.raw(string(data) + ":" + cssValues(p.Values()) + ";")
		default:
			top.raw(string(data))
		}
	}
}

// CSSMin minifies stylesheets
type CSSMin struct {
	// Precision is the number of significant digits kept in numbers, 0 keeps all of them
	Precision int
}

func (CSSMin) Name() string {
	return "cssmin"
}

func (c CSSMin) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	m := minify.New()
	m.Add("text/css", &css.Minifier{Precision: c.Precision})

	return eachFile(ctx, c.Name(), files, func(f *stream.File) bool { return hasExt(f, ".css") }, func(f *stream.File) error {
		out, err := m.Bytes("text/css", f.Contents)
		if err != nil {
			return err
		}

		f.Contents = out
		return nil
	})
}
