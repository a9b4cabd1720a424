package pipeline

import (
	"context"
	_ "embed"
	"path/filepath"
)

// DefaultScript is the task script used by projects without a tasks.star
//
//go:embed defaults/tasks.star
var DefaultScript []byte

// RunDefaultScript evaluates DefaultScript as if it was located at projectRoot/tasks.star
func RunDefaultScript(ctx context.Context, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	return RunScriptSource(ctx, filepath.Join(projectRoot, "tasks.star"), DefaultScript, projectRoot, options, doConfigure)
}
