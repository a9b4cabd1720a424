package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// stringOrList accepts a single string (or path) as well as a list of them
func stringOrList(value starlark.Value, field string) ([]string, error) {
	switch value := value.(type) {
	case nil, starlark.NoneType:
		return []string{}, nil
	case starlark.String:
		return []string{value.GoString()}, nil
	case StarlarkPath:
		return []string{string(value)}, nil
	case starlarkIterable:
		return starlarkIterable2stringSlice(value, field)
	}

	return nil, eris.Errorf("expected %s to be a string or a list of strings but found %s", field, value.Type())
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}

		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	cmd.Args = make([]*syntax.Word, len(parts)-len(envVars))
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if strings.ContainsAny(encodedValue, " $'") {
			wordPart = &syntax.SglQuoted{Value: encodedValue}
		} else {
			wordPart = &syntax.Lit{Value: encodedValue}
		}

		cmd.Args[a] = &syntax.Word{Parts: []syntax.WordPart{wordPart}}
	}

	return cmd, nil
}

func printShellCmd(printer *syntax.Printer, cmd *syntax.CallExpr) (string, error) {
	strBuffer := strings.Builder{}
	err := printer.Print(&strBuffer, cmd)
	if err != nil {
		return "", err
	}

	return strBuffer.String(), nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func registerTask(thread *starlark.Thread, task *Task) error {
	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	if !task.Hidden {
		ctx := getCtx(thread)
		for _, other := range ctx.tasks {
			if other.Short == task.Short {
				return eris.Errorf("a task named %s has already been declared", task.Short)
			}
		}

		ctx.tasks = append(ctx.tasks, task)
	}
	return nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, ok := item[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
			}
			task.Env[key.GoString()] = value.GoString()
		}
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()
	task.Cmds = make([]TaskCmd, 0)

	if cmds != nil {
		for idx := 0; idx < cmds.Len(); idx++ {
			item := cmds.Index(idx)

			var parts starlark.Tuple
			switch value := item.(type) {
			case starlark.String:
				task.Cmds = append(task.Cmds, TaskCmdScript{Content: value.GoString(), Index: idx})
				continue
			case starlark.Tuple:
				parts = value
			case *starlark.List:
				parts = make(starlark.Tuple, value.Len())
				for subIdx := range parts {
					parts[subIdx] = value.Index(subIdx)
				}
			case *Task:
				task.Cmds = append(task.Cmds, TaskCmdTaskRef{Task: value})
				continue
			case *starCmd:
				cmd := value.cmd
				if pipe, ok := cmd.(TaskCmdPipe); ok {
					pipe.Index = idx
					cmd = pipe
				}
				task.Cmds = append(task.Cmds, cmd)
				continue
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists, tasks and commands are valid", fn.Name(), item.Type())
			}

			cmd, err := processCmdParts(parts, parser, task.Base)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", idx)
			}

			content, err := printShellCmd(printer, cmd)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", idx)
			}

			task.Cmds = append(task.Cmds, TaskCmdScript{Content: content, Index: idx})
		}
	}

	if inputs != nil && inputs.Len() > 0 && (outputs == nil || outputs.Len() == 0) {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	for idx := range task.Cmds {
		if script, ok := task.Cmds[idx].(TaskCmdScript); ok {
			script.TaskName = task.Short
			task.Cmds[idx] = script
		}
	}

	err = registerTask(thread, task)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func unpackTaskArgs(fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) ([]*Task, string, string, error) {
	var short, desc string
	err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "short?", &short, "desc?", &desc)
	if err != nil {
		return nil, "", "", err
	}

	if len(args) == 0 {
		return nil, "", "", eris.Errorf("%s: expects at least one task", fn.Name())
	}

	tasks := make([]*Task, len(args))
	for idx, arg := range args {
		value, ok := arg.(*Task)
		if !ok {
			return nil, "", "", eris.Errorf("%s: argument %d is a %s but only tasks are supported", fn.Name(), idx+1, arg.Type())
		}
		tasks[idx] = value
	}

	return tasks, short, desc, nil
}

// series(*tasks, short?, desc?) returns a task which runs the passed tasks one after another
func series(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	tasks, short, desc, err := unpackTaskArgs(fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	task := &Task{
		Short: short,
		Desc:  desc,
		Env:   map[string]string{},
		Base:  normalizePath(getCtx(thread), "."),
		Cmds:  make([]TaskCmd, len(tasks)),
	}
	for idx, item := range tasks {
		task.Cmds[idx] = TaskCmdTaskRef{Task: item}
	}

	err = registerTask(thread, task)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// parallel(*tasks, short?, desc?) returns a task which runs the passed tasks concurrently
func parallel(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	tasks, short, desc, err := unpackTaskArgs(fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	task := &Task{
		Short: short,
		Desc:  desc,
		Env:   map[string]string{},
		Base:  normalizePath(getCtx(thread), "."),
		Cmds:  []TaskCmd{TaskCmdParallel{Tasks: tasks}},
	}

	err = registerTask(thread, task)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// RunScript executes a Starlark script and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared tasks are collected and returned.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	return RunScriptSource(ctx, filename, script, projectRoot, options, doConfigure)
}

// RunScriptSource works like RunScript but reads the script from source. filename is only used to resolve relative
// paths and in error messages.
func RunScriptSource(ctx context.Context, filename string, source []byte, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"task":         starlark.NewBuiltin("task", task),
		"series":       starlark.NewBuiltin("series", series),
		"parallel":     starlark.NewBuiltin("parallel", parallel),
		"pipe":         starlark.NewBuiltin("pipe", pipe),
		"clean":        starlark.NewBuiltin("clean", clean),
		"serve":        starlark.NewBuiltin("serve", serve),
		"watch":        starlark.NewBuiltin("watch", watch),
	}
	for name, builtin := range stepBuiltins() {
		builtins[name] = builtin
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), source, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, nil, eris.Wrap(err, "failed to execute")
	}

	tasks := TaskList{}
	if doConfigure {
		configure, ok := globals["configure"]
		if !ok {
			return nil, nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
		}

		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, nil, nil)
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
		}

		for _, task := range threadCtx.tasks {
			tasks[task.Short] = task

			for name, value := range threadCtx.envOverrides {
				_, present := task.Env[name]
				if !present {
					task.Env[name] = value
				}
			}
		}
	}

	return tasks, threadCtx.options, nil
}
