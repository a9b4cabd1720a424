package pipeline

import (
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/philasting/assetpipe/pkg/transform"
)

type stepBuiltin func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error)

func wrapStep(impl stepBuiltin) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		step, err := impl(thread, fn, args, kwargs)
		if err != nil {
			return nil, err
		}

		return &starStep{step: step}, nil
	}
}

func stepBuiltins() starlark.StringDict {
	impls := map[string]stepBuiltin{
		"autoprefixer": autoprefixerStep,
		"cssmin":       cssminStep,
		"sass":         sassStep,
		"babel":        babelStep,
		"uglify":       uglifyStep,
		"file_include": fileIncludeStep,
		"htmlmin":      htmlminStep,
		"imagemin":     imageminStep,
		"rev":          revStep,
		"rename":       renameStep,
		"rev_collect":  revCollectStep,
		"brotli":       brotliStep,
	}

	result := make(starlark.StringDict, len(impls))
	for name, impl := range impls {
		result[name] = starlark.NewBuiltin(name, wrapStep(impl))
	}
	return result
}

func autoprefixerStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	var prefixes *starlark.Dict

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "prefixes?", &prefixes)
	if err != nil {
		return nil, err
	}

	step := transform.Autoprefixer{}
	if prefixes == nil {
		return step, nil
	}

	step.Prefixes = make(map[string][]string, prefixes.Len())
	for _, item := range prefixes.Items() {
		prop, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("%s: property names must be strings but found %s", fn.Name(), item[0].Type())
		}

		list, err := stringOrList(item[1], string(prop))
		if err != nil {
			return nil, err
		}
		step.Prefixes[prop.GoString()] = list
	}
	return step, nil
}

func cssminStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.CSSMin{}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "precision?", &step.Precision)
	return step, err
}

func sassStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	var includePaths *starlark.List
	step := transform.Sass{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "include_paths?", &includePaths, "style?", &step.Style)
	if err != nil {
		return nil, err
	}

	if step.Style != "" && step.Style != "expanded" && step.Style != "compressed" {
		return nil, eris.Errorf("%s: style must be expanded or compressed", fn.Name())
	}

	paths, err := starlarkIterable2stringSlice(includePaths, "include_paths")
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	for _, path := range paths {
		step.IncludePaths = append(step.IncludePaths, normalizePath(ctx, path))
	}
	return step, nil
}

func babelStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.Babel{Target: "es2015"}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &step.Target)
	return step, err
}

func uglifyStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.Uglify{Mangle: true}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "mangle?", &step.Mangle)
	return step, err
}

func fileIncludeStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	var context *starlark.Dict
	basePath := "@file"
	step := transform.FileInclude{Prefix: "@@"}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "prefix?", &step.Prefix, "basepath?", &basePath, "context?", &context)
	if err != nil {
		return nil, err
	}

	if basePath != "@file" && basePath != "" {
		step.BasePath = normalizePath(getCtx(thread), basePath)
	}

	if context != nil {
		step.Context = make(map[string]string, context.Len())
		for _, item := range context.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("%s: context keys must be strings but found %s", fn.Name(), item[0].Type())
			}

			value, err := starlarkToInterface(item[1])
			if err != nil {
				return nil, eris.Wrapf(err, "%s: invalid context value for %s", fn.Name(), key.GoString())
			}

			switch value := value.(type) {
			case string:
				step.Context[key.GoString()] = value
			case map[string]interface{}, []interface{}:
				return nil, eris.Errorf("%s: context value for %s must be a scalar", fn.Name(), key.GoString())
			default:
				step.Context[key.GoString()] = starlark.String(item[1].String()).GoString()
			}
		}
	}
	return step, nil
}

func htmlminStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.HTMLMin{KeepEndTags: true, KeepDocumentTags: true}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"collapse_whitespace?", &step.CollapseWhitespace,
		"remove_attribute_quotes?", &step.RemoveAttributeQuotes,
		"remove_comments?", &step.RemoveComments,
		"keep_end_tags?", &step.KeepEndTags,
		"keep_document_tags?", &step.KeepDocumentTags,
		"minify_css?", &step.MinifyCSS,
		"minify_js?", &step.MinifyJS,
	)
	return step, err
}

func imageminStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.ImageMin{OptimizationLevel: 5, Progressive: true, Interlaced: true}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "optimization_level?", &step.OptimizationLevel,
		"progressive?", &step.Progressive, "interlaced?", &step.Interlaced)
	if err != nil {
		return nil, err
	}

	if step.OptimizationLevel < 0 || step.OptimizationLevel > 7 {
		return nil, eris.Errorf("%s: optimization_level must be between 0 and 7", fn.Name())
	}
	return step, nil
}

func revStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.Rev{Length: transform.HashLength}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "length?", &step.Length)
	return step, err
}

func renameStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.Rename{}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "prefix?", &step.Prefix, "suffix?", &step.Suffix,
		"basename?", &step.Basename, "extname?", &step.Extname, "dirname?", &step.Dirname)
	return step, err
}

func revCollectStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	var manifest starlark.Value
	step := transform.RevCollect{ReplaceReved: true}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "manifest", &manifest, "replace_reved?", &step.ReplaceReved)
	if err != nil {
		return nil, err
	}

	path, err := pathArg(manifest, "manifest")
	if err != nil {
		return nil, err
	}
	step.Manifest = normalizePath(getCtx(thread), path)
	return step, nil
}

func brotliStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (transform.Step, error) {
	step := transform.Brotli{Level: 11}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "level?", &step.Level)
	if err != nil {
		return nil, err
	}

	if step.Level < 1 || step.Level > 11 {
		return nil, eris.Errorf("%s: level must be between 1 and 11", fn.Name())
	}
	return step, nil
}
