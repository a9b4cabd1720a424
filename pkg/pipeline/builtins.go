package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

func pathArg(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	}

	return "", eris.Errorf("invalid type %s for %s, expected string or path", value.Type(), field)
}

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""
	ctx := getCtx(thread)

	for _, kv := range kwargs {
		key := kv[0].(starlark.String).GoString()
		if key != "base" {
			return nil, eris.Errorf("unexpected keyword argument %s", key)
		}

		value, err := pathArg(kv[1], "base")
		if err != nil {
			return nil, err
		}
		base = normalizePath(ctx, value)
	}

	if len(args) < 1 {
		return nil, eris.New("expects at least one argument")
	}

	parts := make([]string, len(args))
	for idx, path := range args {
		value, ok := path.(starlark.String)
		if !ok {
			return nil, eris.Errorf("only accepts string arguments but argument %d was a %s", idx, path.Type())
		}
		parts[idx] = value.GoString()
	}

	normPath := normalizePath(ctx, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return StarlarkPath(normPath), nil
}

func messageBuiltin(report func(*starlark.Thread, string)) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var message string

		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
		if err != nil {
			return nil, err
		}

		report(thread, message)
		return starlark.None, nil
	}
}

var (
	starInfo = messageBuiltin(func(thread *starlark.Thread, msg string) { info(thread, "%s", msg) })
	starWarn = messageBuiltin(func(thread *starlark.Thread, msg string) { warn(thread, "%s", msg) })
)

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	value, ok := getCtx(thread).envOverrides[key]
	if !ok {
		value = os.Getenv(key)
	}

	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	getCtx(thread).envOverrides[key] = value
	return starlark.True, nil
}

func prependPathDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 1 || len(kwargs) != 0 {
		return nil, eris.Errorf("%s: got %d arguments, want 1", fn.Name(), len(args)+len(kwargs))
	}

	pathDir, err := pathArg(args[0], "parameter 1")
	if err != nil {
		return nil, err
	}

	envOverrides := getCtx(thread).envOverrides
	path, ok := envOverrides["PATH"]
	if !ok {
		path = os.Getenv("PATH")
	}

	envOverrides["PATH"] = normalizePath(getCtx(thread), pathDir) + string(os.PathListSeparator) + path
	return starlark.String(envOverrides["PATH"]), nil
}

// lookupYAML follows a dotted key through a decoded YAML document. List items are addressed by their
// index. ok is false if the key doesn't exist.
func lookupYAML(doc interface{}, key string) (value interface{}, ok bool) {
	value = doc
	for _, part := range strings.Split(key, ".") {
		switch current := value.(type) {
		case map[string]interface{}:
			value, ok = current[part]
			if !ok {
				return nil, false
			}
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(current) {
				return nil, false
			}
			value = current[idx]
		default:
			return nil, false
		}
	}

	return value, value != nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	yamlFile = normalizePath(getCtx(thread), yamlFile)

	cache := getCtx(thread).yamlCache
	doc, loaded := cache[yamlFile]
	if !loaded {
		content, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", yamlFile)
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", yamlFile)
		}
		cache[yamlFile] = doc
	}

	value, ok := lookupYAML(doc, yamlKey)
	if !ok {
		return defaultValue, nil
	}

	switch value.(type) {
	case string, int, bool, float64:
		return interfaceToStarlark(value)
	}
	return nil, eris.Errorf("can't return value %v", value)
}

func statBuiltin(check func(os.FileInfo) bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string

		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(normalizePath(getCtx(thread), path))
		return starlark.Bool(err == nil && check(info)), nil
	}
}

var (
	starIsdir  = statBuiltin(func(info os.FileInfo) bool { return info.IsDir() })
	starIsfile = statBuiltin(func(info os.FileInfo) bool { return info.Mode().IsRegular() })
)

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if outputFormat == "" {
		outputFormat = "text"
	}

	if outputFormat != "text" && outputFormat != "json" {
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	var shellCmd []syntax.Node
	parser := syntax.NewParser()
	ctx := getCtx(thread)
	base := filepath.Dir(ctx.filepath)

	switch command := command.(type) {
	case starlark.String:
		part := TaskCmdScript{
			TaskName: fn.Name(),
			Content:  command.GoString(),
		}

		stmts, err := part.ToShellStmts(parser)
		if err != nil {
			return nil, err
		}

		for _, stmt := range stmts {
			shellCmd = append(shellCmd, stmt)
		}
	case starlark.Tuple:
		expr, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings and tuples are valid", command.Type())
	}

	outputBuffer := strings.Builder{}
	errOut := os.Stderr
	if !showError {
		errOut = nil
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(getEnvVars(ctx)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &outputBuffer, errOut),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	for _, cmd := range shellCmd {
		err := runner.Run(ctx.ctx, cmd)
		if err != nil {
			if showError {
				log(ctx.ctx).Error().Err(err).Msg("shell error")
			}
			return starlark.False, nil
		}
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(outputBuffer.String()), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return interfaceToStarlark(decoded)
	}

	return starlark.String(outputBuffer.String()), nil
}

// * Command constructors

// pipe(src, dest, steps=[], base=None, manifest=None, manifest_base=None)
func pipe(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	var dest, base, manifestPath, manifestBase starlark.Value
	var steps *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "steps?", &steps,
		"base?", &base, "manifest?", &manifestPath, "manifest_base?", &manifestBase)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	patterns, err := stringOrList(src, "src")
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, eris.Errorf("%s: src can't be empty", fn.Name())
	}

	cmd := TaskCmdPipe{Src: make([]string, len(patterns))}
	for idx, pattern := range patterns {
		cmd.Src[idx] = normalizePattern(ctx, ".", pattern)
	}

	destPath, err := pathArg(dest, "dest")
	if err != nil {
		return nil, err
	}
	cmd.Dest = normalizePath(ctx, destPath)

	optionalPaths := []struct {
		value  starlark.Value
		field  string
		target *string
	}{
		{base, "base", &cmd.Base},
		{manifestPath, "manifest", &cmd.Manifest},
		{manifestBase, "manifest_base", &cmd.ManifestBase},
	}
	for _, item := range optionalPaths {
		if item.value == nil || item.value == starlark.None {
			continue
		}

		value, err := pathArg(item.value, item.field)
		if err != nil {
			return nil, err
		}
		*item.target = normalizePath(ctx, value)
	}

	if steps != nil {
		for idx := 0; idx < steps.Len(); idx++ {
			step, ok := steps.Index(idx).(*starStep)
			if !ok {
				return nil, eris.Errorf("%s: step #%d is a %s, expected a step like cssmin()", fn.Name(), idx, steps.Index(idx).Type())
			}
			cmd.Steps = append(cmd.Steps, step.step)
		}
	}

	return &starCmd{cmd: cmd}, nil
}

// clean(*paths)
func clean(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) == 0 {
		return nil, eris.Errorf("%s: expects at least one path", fn.Name())
	}

	ctx := getCtx(thread)
	cmd := TaskCmdClean{Paths: make([]string, len(args))}
	for idx, arg := range args {
		path, err := pathArg(arg, "path")
		if err != nil {
			return nil, err
		}
		cmd.Paths[idx] = normalizePattern(ctx, ".", path)
	}

	return &starCmd{cmd: cmd}, nil
}

// serve(root, host=None, port=None, livereload=None, open=None)
func serve(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var root starlark.Value
	var liveReload starlark.Value = starlark.None
	cmd := TaskCmdServe{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "root", &root, "host?", &cmd.Host, "port?", &cmd.Port,
		"livereload?", &liveReload, "open?", &cmd.Open)
	if err != nil {
		return nil, err
	}

	rootPath, err := pathArg(root, "root")
	if err != nil {
		return nil, err
	}
	cmd.Root = normalizePath(getCtx(thread), rootPath)

	if cmd.Port < 0 || cmd.Port > 65535 {
		return nil, eris.Errorf("%s: invalid port %d", fn.Name(), cmd.Port)
	}

	switch value := liveReload.(type) {
	case starlark.NoneType:
	case starlark.Bool:
		enabled := bool(value)
		cmd.LiveReload = &enabled
	default:
		return nil, eris.Errorf("%s: livereload must be a bool but is %s", fn.Name(), liveReload.Type())
	}

	return &starCmd{cmd: cmd}, nil
}

// watch({glob_or_globs: task, ...})
func watch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rules *starlark.Dict

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &rules)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	cmd := TaskCmdWatch{}
	for _, item := range rules.Items() {
		globs, err := stringOrList(item[0], "watch key")
		if err != nil {
			return nil, err
		}

		task, ok := item[1].(*Task)
		if !ok {
			return nil, eris.Errorf("%s: the value for %s is a %s but must be a task", fn.Name(), item[0].String(), item[1].Type())
		}

		rule := WatchRule{Task: task, Globs: make([]string, len(globs))}
		for idx, glob := range globs {
			rule.Globs[idx] = normalizePattern(ctx, ".", glob)
		}
		cmd.Rules = append(cmd.Rules, rule)
	}

	if len(cmd.Rules) == 0 {
		return nil, eris.Errorf("%s: expects at least one rule", fn.Name())
	}

	return &starCmd{cmd: cmd}, nil
}
