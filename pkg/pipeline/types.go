package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"

	"github.com/philasting/assetpipe/pkg/transform"
)

// TaskCmd is a single command of a task
type TaskCmd interface {
	// String returns the description used in logs and dry runs
	String() string
	run(ctx context.Context, r *taskRun) error
}

// TaskCmdScript is a shell script executed by mvdan.cc/sh
type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) String() string {
	return s.Content
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

// TaskCmdTaskRef runs another task
type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) String() string {
	return "task " + t.Task.Short
}

// TaskCmdParallel runs several tasks at the same time. The first failure cancels the others.
type TaskCmdParallel struct {
	Tasks []*Task
}

func (p TaskCmdParallel) String() string {
	names := make([]string, len(p.Tasks))
	for idx, task := range p.Tasks {
		names[idx] = task.Short
	}

	return "parallel(" + strings.Join(names, ", ") + ")"
}

// TaskCmdPipe reads files matching Src, passes them through Steps and writes the result to Dest
type TaskCmdPipe struct {
	Src   []string
	Dest  string
	Base  string
	Steps []transform.Step
	// Manifest is the rev manifest the names of revved files are merged into
	Manifest string
	// ManifestBase is the directory manifest entries are relative to. Defaults to Dest.
	ManifestBase string
	Index        int
}

func (p TaskCmdPipe) String() string {
	names := make([]string, len(p.Steps))
	for idx, step := range p.Steps {
		names[idx] = step.Name()
	}

	desc := fmt.Sprintf("pipe %s -> [%s] -> %s", strings.Join(p.Src, " "), strings.Join(names, ", "), p.Dest)
	if p.Manifest != "" {
		desc += " (manifest " + p.Manifest + ")"
	}
	return desc
}

// TaskCmdClean deletes files and directories
type TaskCmdClean struct {
	Paths []string
}

func (c TaskCmdClean) String() string {
	return "clean " + strings.Join(c.Paths, " ")
}

// TaskCmdServe starts the dev server in the background. Empty fields use the configured defaults.
type TaskCmdServe struct {
	Root       string
	Host       string
	Port       int
	LiveReload *bool
	Open       string
}

func (s TaskCmdServe) String() string {
	return "serve " + s.Root
}

// WatchRule re-runs Task whenever a file matching one of Globs changes
type WatchRule struct {
	Globs []string
	Task  *Task
}

// TaskCmdWatch watches the filesystem until the invocation is cancelled
type TaskCmdWatch struct {
	Rules []WatchRule
}

func (w TaskCmdWatch) String() string {
	parts := make([]string, len(w.Rules))
	for idx, rule := range w.Rules {
		parts[idx] = strings.Join(rule.Globs, " ") + " => " + rule.Task.Short
	}

	return "watch " + strings.Join(parts, "; ")
}

// Task contains the processed values passed to task() by the task script
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Hidden       bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// starCmd carries a command built by pipe(), clean(), serve() or watch() until it's passed to task()
type starCmd struct {
	cmd TaskCmd
}

func (c *starCmd) String() string        { return "<cmd " + c.cmd.String() + ">" }
func (c *starCmd) Type() string          { return "cmd" }
func (c *starCmd) Freeze()               {}
func (c *starCmd) Truth() starlark.Bool  { return starlark.True }
func (c *starCmd) Hash() (uint32, error) { return 0, eris.New("cmd is not a hashable type") }

// starStep carries a transform step until it's passed to pipe()
type starStep struct {
	step transform.Step
}

func (s *starStep) String() string        { return "<step " + s.step.Name() + ">" }
func (s *starStep) Type() string          { return "step" }
func (s *starStep) Freeze()               {}
func (s *starStep) Truth() starlark.Bool  { return starlark.True }
func (s *starStep) Hash() (uint32, error) { return 0, eris.New("step is not a hashable type") }

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
