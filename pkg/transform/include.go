package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/philasting/assetpipe/pkg/stream"
)

// FileInclude expands include directives in HTML files:
//
//	@@include('header.html', {"title": "Home"})
//
// Inside the included fragment, @@title is replaced with "Home".
type FileInclude struct {
	// Prefix defaults to "@@"
	Prefix string
	// BasePath is the directory includes are resolved against. If empty (or "@file"), includes
	// are resolved relative to the including file.
	BasePath string
	// Context holds the variables available in every file
	Context map[string]string
}

func (FileInclude) Name() string {
	return "file_include"
}

type includer struct {
	file     *stream.File
	prefix   string
	basePath string
	varRe    *regexp.Regexp
	stack    []string
}

func (fi FileInclude) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	prefix := fi.Prefix
	if prefix == "" {
		prefix = "@@"
	}

	basePath := fi.BasePath
	if basePath == "@file" {
		basePath = ""
	}

	vars := make(map[string]interface{}, len(fi.Context))
	for k, v := range fi.Context {
		vars[k] = v
	}

	return eachFile(ctx, fi.Name(), files, func(f *stream.File) bool { return hasExt(f, ".html", ".htm") }, func(f *stream.File) error {
		inc := &includer{
			file:     f,
			prefix:   prefix,
			basePath: basePath,
			varRe:    regexp.MustCompile(regexp.QuoteMeta(prefix) + `([A-Za-z_][A-Za-z0-9_.]*)`),
		}

		full := filepath.Join(f.Base, filepath.FromSlash(f.Path))
		inc.stack = []string{full}

		out, err := inc.expand(string(f.Contents), filepath.Dir(full), vars)
		if err != nil {
			return err
		}

		f.Contents = []byte(out)
		return nil
	})
}

func lookupVar(vars map[string]interface{}, name string) (string, bool) {
	var current interface{} = vars
	for _, part := range strings.Split(name, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}

		current, ok = m[part]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case map[string]interface{}, []interface{}:
		return "", false
	case nil:
		return "", true
	default:
		return fmt.Sprint(v), true
	}
}

func (inc *includer) substitute(src string, vars map[string]interface{}) string {
	return inc.varRe.ReplaceAllStringFunc(src, func(match string) string {
		name := strings.TrimPrefix(match, inc.prefix)
		trailing := ""
		for strings.HasSuffix(name, ".") {
			name = name[:len(name)-1]
			trailing += "."
		}

		if name == "include" {
			return match
		}

		value, ok := lookupVar(vars, name)
		if !ok {
			return match
		}
		return value + trailing
	})
}

// directiveEnd returns the index of the parenthesis closing the directive which starts at the
// opening parenthesis src[start].
func directiveEnd(src string, start int) int {
	depth := 0
	var quote byte
	for i := start; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"', '`':
			quote = c
		case '(', '{', '[':
			depth++
		case ')', '}', ']':
			depth--
			if depth == 0 {
				if c != ')' {
					return -1
				}
				return i
			}
		}
	}

	return -1
}

func parseIncludeArgs(args string) (string, map[string]interface{}, error) {
	args = strings.TrimSpace(args)
	if len(args) < 2 || (args[0] != '\'' && args[0] != '"') {
		return "", nil, eris.Errorf("expected a quoted file name in include(%s)", args)
	}

	end := strings.IndexByte(args[1:], args[0])
	if end == -1 {
		return "", nil, eris.Errorf("unterminated file name in include(%s)", args)
	}

	name := args[1 : end+1]
	rest := strings.TrimSpace(args[end+2:])
	if rest == "" {
		return name, nil, nil
	}
	if rest[0] != ',' {
		return "", nil, eris.Errorf("unexpected %q after the file name in include(%s)", rest, args)
	}

	rest = strings.TrimSpace(rest[1:])
	vars := map[string]interface{}{}
	// YAML flow mappings accept both strict JSON and the relaxed JSON5 style found in templates
	err := yaml.Unmarshal([]byte(rest), &vars)
	if err != nil {
		return "", nil, eris.Wrapf(err, "failed to parse the context of include('%s')", name)
	}
	return name, vars, nil
}

func mergeVars(parent, child map[string]interface{}) map[string]interface{} {
	if len(child) == 0 {
		return parent
	}

	merged := make(map[string]interface{}, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func (inc *includer) expand(src, dir string, vars map[string]interface{}) (string, error) {
	src = inc.substitute(src, vars)

	directive := inc.prefix + "include"
	var out strings.Builder
	for {
		idx := strings.Index(src, directive)
		if idx == -1 {
			out.WriteString(src)
			return out.String(), nil
		}

		open := idx + len(directive)
		for open < len(src) && (src[open] == ' ' || src[open] == '\t') {
			open++
		}
		if open >= len(src) || src[open] != '(' {
			out.WriteString(src[:idx+len(directive)])
			src = src[idx+len(directive):]
			continue
		}

		end := directiveEnd(src, open)
		if end == -1 {
			return "", eris.Errorf("unterminated %s directive in %s", directive, inc.stack[len(inc.stack)-1])
		}

		name, childVars, err := parseIncludeArgs(src[open+1 : end])
		if err != nil {
			return "", eris.Wrapf(err, "in %s", inc.stack[len(inc.stack)-1])
		}

		base := inc.basePath
		if base == "" {
			base = dir
		}
		target := filepath.Join(base, filepath.FromSlash(name))

		for _, item := range inc.stack {
			if item == target {
				return "", eris.Errorf("include cycle: %s", strings.Join(append(inc.stack, target), " -> "))
			}
		}

		data, err := os.ReadFile(target)
		if err != nil {
			return "", eris.Wrapf(err, "failed to read included file %s", target)
		}
		inc.file.AddDep(target)

		inc.stack = append(inc.stack, target)
		fragment, err := inc.expand(string(data), filepath.Dir(target), mergeVars(vars, childVars))
		inc.stack = inc.stack[:len(inc.stack)-1]
		if err != nil {
			return "", err
		}

		out.WriteString(src[:idx])
		out.WriteString(fragment)
		src = src[end+1:]
	}
}
