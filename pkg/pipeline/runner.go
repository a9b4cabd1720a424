package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/philasting/assetpipe/pkg/devserver"
	"github.com/philasting/assetpipe/pkg/manifest"
	"github.com/philasting/assetpipe/pkg/state"
	"github.com/philasting/assetpipe/pkg/stream"
	"github.com/philasting/assetpipe/pkg/transform"
	fswatch "github.com/philasting/assetpipe/pkg/watch"
)

// RunOptions controls a single invocation of RunTask
type RunOptions struct {
	// DryRun logs commands without executing them
	DryRun bool
	// Force ignores skip_if_exists, the mtime check and pipe fingerprints
	Force bool
	// State stores pipe fingerprints and run records. Optional.
	State *state.Store
	// Sass is used by sass() steps. Optional unless a pipe uses sass().
	Sass *transform.SassCompiler
	// Server contains the defaults for serve() commands
	Server devserver.Options
	// Debounce and MaxWait configure watch() commands
	Debounce time.Duration
	MaxWait  time.Duration
}

type taskStatus struct {
	done chan struct{}
	err  error
}

type services struct {
	lock    sync.Mutex
	servers []*devserver.Server
}

func (s *services) add(server *devserver.Server) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.servers = append(s.servers, server)
}

func (s *services) list() []*devserver.Server {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]*devserver.Server{}, s.servers...)
}

func (s *services) reload(hash string) {
	for _, server := range s.list() {
		server.Reload(hash)
	}
}

type execution struct {
	projectRoot string
	tasks       TaskList
	opts        RunOptions
	services    *services

	lock   sync.Mutex
	status map[string]*taskStatus
}

// fork returns an execution sharing everything but the run status. Watch rules use it to re-run
// tasks which already ran during this invocation.
func (e *execution) fork() *execution {
	return &execution{
		projectRoot: e.projectRoot,
		tasks:       e.tasks,
		opts:        e.opts,
		services:    e.services,
		status:      make(map[string]*taskStatus),
	}
}

type taskRun struct {
	exec   *execution
	task   *Task
	shell  *interp.Runner
	exited bool
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our own implementation for these to make sure they behave the same on every platform
			self, err := os.Executable()
			if err != nil {
				return eris.Wrap(err, "failed to locate the assetpipe binary")
			}
			args = append([]string{self}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// resolvePatternLists resolves patterns relative to base. Literal paths are returned even if they
// don't exist, globs only produce existing files.
func resolvePatternLists(base string, patterns []string) ([]string, error) {
	result := []string{}
	globs := []string{}

	for _, item := range patterns {
		negated := strings.HasPrefix(item, "!")
		item = strings.TrimPrefix(item, "!")
		if !filepath.IsAbs(item) {
			item = filepath.Join(base, item)
		}

		if negated {
			globs = append(globs, "!"+item)
		} else if hasGlobMeta(item) {
			globs = append(globs, item)
		} else {
			result = append(result, filepath.Clean(item))
		}
	}

	if len(globs) > 0 {
		matches, err := stream.Expand(globs)
		if err != nil {
			return nil, err
		}

		for _, match := range matches {
			result = append(result, match.Path)
		}
	}
	return result, nil
}

// checkCycles makes sure that no task can reach itself through its deps, task references or
// parallel groups
func checkCycles(tasks TaskList, root *Task) error {
	const (
		visiting = 1
		visited  = 2
	)
	marks := map[string]int{}

	var visit func(task *Task, chain []string) error
	visit = func(task *Task, chain []string) error {
		chain = append(chain, task.Short)
		switch marks[task.Short] {
		case visiting:
			return eris.Errorf("Task %s was called recursively (%s)", task.Short, strings.Join(chain, " -> "))
		case visited:
			return nil
		}

		marks[task.Short] = visiting
		children := make([]*Task, 0, len(task.Deps)+len(task.Cmds))
		for _, dep := range task.Deps {
			depTask, ok := tasks[dep]
			if !ok {
				return eris.Errorf("Task %s not found", dep)
			}
			children = append(children, depTask)
		}

		for _, cmd := range task.Cmds {
			switch cmd := cmd.(type) {
			case TaskCmdTaskRef:
				children = append(children, cmd.Task)
			case TaskCmdParallel:
				children = append(children, cmd.Tasks...)
			}
		}

		for _, child := range children {
			err := visit(child, chain)
			if err != nil {
				return err
			}
		}

		marks[task.Short] = visited
		return nil
	}

	return visit(root, nil)
}

// RunTask executes the given task. If the task started background services (a dev server or
// a watcher), RunTask blocks until ctx is cancelled and shuts them down afterwards.
func RunTask(ctx context.Context, projectRoot, task string, tasks TaskList, opts RunOptions) error {
	taskMeta, found := tasks[task]
	if !found {
		return eris.Errorf("Task %s not found", task)
	}

	err := checkCycles(tasks, taskMeta)
	if err != nil {
		return err
	}

	if opts.Sass != nil {
		ctx = transform.WithSassCompiler(ctx, opts.Sass)
	}

	e := &execution{
		projectRoot: projectRoot,
		tasks:       tasks,
		opts:        opts,
		services:    &services{},
		status:      make(map[string]*taskStatus),
	}

	err = e.runTask(ctx, taskMeta, true)

	servers := e.services.list()
	if len(servers) > 0 {
		if err == nil {
			log(ctx).Info().Msg("Serving, press Ctrl+C to stop")
			<-ctx.Done()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, server := range servers {
			shutdownErr := server.Shutdown(shutdownCtx)
			if shutdownErr != nil {
				log(ctx).Warn().Err(shutdownErr).Msg("Failed to stop the dev server")
			}
		}
	}

	return err
}

func (e *execution) runTask(ctx context.Context, task *Task, canSkip bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.lock.Lock()
	status, ok := e.status[task.Short]
	if ok {
		e.lock.Unlock()

		// the task might still be running in a parallel branch
		select {
		case <-status.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if status.err == nil {
			log(ctx).Debug().Msgf("Task %s already run", task.Short)
		}
		return status.err
	}

	status = &taskStatus{done: make(chan struct{})}
	e.status[task.Short] = status
	e.lock.Unlock()

	start := time.Now()
	status.err = e.executeTask(ctx, task, canSkip)
	close(status.done)

	if e.opts.State != nil && !task.Hidden && !e.opts.DryRun {
		err := e.opts.State.RecordRun(task.Short, time.Since(start), status.err)
		if err != nil {
			taskLog(ctx, task).Warn().Err(err).Msg("Failed to record the run")
		}
	}

	return status.err
}

func (e *execution) upToDate(ctx context.Context, task *Task, canSkip bool) (bool, error) {
	if e.opts.Force {
		return false, nil
	}

	if canSkip && len(task.SkipIfExists) > 0 {
		skipList, err := resolvePatternLists(task.Base, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrapf(err, "failed to resolve skip_if_exists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "Failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			taskLog(ctx, task).Info().Msg("skipped because all skip files exist")
			return true, nil
		}
	}

	if len(task.Inputs) == 0 {
		return false, nil
	}

	var newestInput time.Time
	inputList, err := resolvePatternLists(task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatternLists(task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var newestOutput time.Time
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				// a missing output always means we have to build
				return false, nil
			}
			return false, eris.Wrapf(err, "Failed to check output %s", item)
		}

		if info.ModTime().After(newestOutput) {
			newestOutput = info.ModTime()
		}
	}

	if newestOutput.After(newestInput) {
		taskLog(ctx, task).Info().
			Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return true, nil
	}
	return false, nil
}

func (e *execution) executeTask(ctx context.Context, task *Task, canSkip bool) error {
	for _, dep := range task.Deps {
		depTask, ok := e.tasks[dep]
		if !ok {
			return eris.Errorf("Task %s not found", dep)
		}

		err := e.runTask(ctx, depTask, true)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	skip, err := e.upToDate(ctx, task, canSkip)
	if err != nil || skip {
		return err
	}

	if !task.Hidden {
		taskLog(ctx, task).Debug().Msg("Starting")
	}

	r := &taskRun{exec: e, task: task}
	for _, cmd := range task.Cmds {
		err := cmd.run(ctx, r)
		if err != nil {
			return err
		}

		if r.exited {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

func (r *taskRun) logCmd(ctx context.Context, cmd TaskCmd) {
	taskLog(ctx, r.task).Info().Bool("command", true).Msg(cmd.String())
}

func (r *taskRun) getShell() (*interp.Runner, error) {
	if r.shell != nil {
		return r.shell, nil
	}

	runner, err := interp.New(
		interp.Dir(r.task.Base),
		interp.Env(getTaskEnv(r.task)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to initialize runner")
	}

	r.shell = runner
	return runner, nil
}

func (s TaskCmdScript) run(ctx context.Context, r *taskRun) error {
	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	stmts, err := s.ToShellStmts(parser)
	if err != nil {
		return eris.Wrap(err, "failed to parse shell script")
	}

	for _, stmt := range stmts {
		strBuffer.Reset()
		err = printer.Print(&strBuffer, stmt)
		if err != nil {
			return eris.Wrap(err, "failed to print shell statement")
		}

		taskLog(ctx, r.task).Info().Bool("command", true).Msg(strBuffer.String())
		if r.exec.opts.DryRun {
			continue
		}

		runner, err := r.getShell()
		if err != nil {
			return err
		}

		err = runner.Run(ctx, stmt)
		if err != nil {
			return eris.Wrapf(err, "command in task %s failed", r.task.Short)
		}

		if runner.Exited() {
			r.exited = true
			return nil
		}
	}

	return nil
}

func (t TaskCmdTaskRef) run(ctx context.Context, r *taskRun) error {
	return r.exec.runTask(ctx, t.Task, true)
}

func (p TaskCmdParallel) run(ctx context.Context, r *taskRun) error {
	r.logCmd(ctx, p)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range p.Tasks {
		task := task
		group.Go(func() error {
			return r.exec.runTask(groupCtx, task, true)
		})
	}

	return group.Wait()
}

// definition returns a description of everything besides the source files which influences the
// pipe's output
func (p TaskCmdPipe) definition() (string, error) {
	def := strings.Builder{}
	def.WriteString(fmt.Sprintf("%#v", p))

	for _, step := range p.Steps {
		collect, ok := step.(transform.RevCollect)
		if !ok {
			continue
		}

		data, err := os.ReadFile(collect.Manifest)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to read manifest %s", collect.Manifest)
		}
		def.WriteByte(0)
		def.Write(data)
	}

	return def.String(), nil
}

func (p TaskCmdPipe) fingerprintKey(def string) string {
	sum := sha256.Sum256([]byte(def))
	return "pipe:" + hex.EncodeToString(sum[:8])
}

func allExist(paths ...string) bool {
	for _, path := range paths {
		_, err := os.Stat(path)
		if err != nil {
			return false
		}
	}
	return true
}

func (p TaskCmdPipe) run(ctx context.Context, r *taskRun) error {
	r.logCmd(ctx, p)
	if r.exec.opts.DryRun {
		return nil
	}

	logger := taskLog(ctx, r.task).With().Int("cmd", p.Index).Logger()
	files, err := stream.Src(p.Base, p.Src)
	if err != nil {
		return eris.Wrapf(err, "failed to read the sources of task %s", r.task.Short)
	}

	if len(files) == 0 {
		logger.Warn().Msgf("no files matched %s", strings.Join(p.Src, " "))
		return nil
	}

	def, err := p.definition()
	if err != nil {
		return err
	}

	store := r.exec.opts.State
	key := p.fingerprintKey(def)
	hash := state.HashInputs(def, files)
	if store != nil && !r.exec.opts.Force {
		fp, err := store.Fingerprint(key)
		if err != nil {
			return err
		}

		if fp.Matches(hash) && (p.Manifest == "" || allExist(p.Manifest)) {
			logger.Info().Msg("nothing to do (sources are unchanged)")
			return nil
		}
	}

	deps := map[string]bool{}
	for _, step := range p.Steps {
		files, err = step.Apply(ctx, files)
		if err != nil {
			return eris.Wrapf(err, "task %s failed", r.task.Short)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		for _, f := range files {
			for _, dep := range f.Deps {
				deps[dep] = true
			}
		}
	}

	written, err := stream.Dest(p.Dest, files)
	if err != nil {
		return eris.Wrapf(err, "task %s failed to write its output", r.task.Short)
	}

	if p.Manifest != "" {
		err = p.updateManifest(ctx, r, files)
		if err != nil {
			return err
		}
	}

	if store != nil {
		outputHash, err := state.HashFiles(written)
		if err != nil {
			return err
		}

		depList := make([]string, 0, len(deps))
		for dep := range deps {
			depList = append(depList, dep)
		}
		sort.Strings(depList)

		depsHash, err := state.HashFiles(depList)
		if err != nil {
			return err
		}

		err = store.PutFingerprint(key, state.Fingerprint{
			Hash:       hash,
			Outputs:    written,
			OutputHash: outputHash,
			Deps:       depList,
			DepsHash:   depsHash,
			Updated:    time.Now(),
		})
		if err != nil {
			return err
		}
	}

	logger.Info().Msgf("wrote %d files to %s", len(written), p.Dest)
	return nil
}

func (p TaskCmdPipe) updateManifest(ctx context.Context, r *taskRun, files []*stream.File) error {
	base := p.ManifestBase
	if base == "" {
		base = p.Dest
	}

	entries := map[string]string{}
	for _, f := range files {
		if f.RevOrigPath == "" {
			continue
		}

		key, err := filepath.Rel(base, filepath.Join(p.Dest, filepath.FromSlash(f.RevOrigPath)))
		if err != nil {
			return eris.Wrapf(err, "failed to build manifest key for %s", f.RevOrigPath)
		}

		value, err := filepath.Rel(base, filepath.Join(p.Dest, filepath.FromSlash(f.Path)))
		if err != nil {
			return eris.Wrapf(err, "failed to build manifest value for %s", f.Path)
		}

		entries[filepath.ToSlash(key)] = filepath.ToSlash(value)
	}

	if len(entries) == 0 {
		return nil
	}

	replaced, err := manifest.Open(p.Manifest).Merge(entries)
	if err != nil {
		return eris.Wrapf(err, "task %s failed to update the manifest", r.task.Short)
	}

	for key, old := range replaced {
		stale := filepath.Join(base, filepath.FromSlash(old))
		for _, path := range []string{stale, stale + ".br"} {
			err := os.Remove(path)
			if err != nil && !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to remove outdated file %s", path)
			}
		}

		taskLog(ctx, r.task).Debug().Msgf("replaced %s for %s", old, key)
	}
	return nil
}

func (c TaskCmdClean) run(ctx context.Context, r *taskRun) error {
	r.logCmd(ctx, c)
	if r.exec.opts.DryRun {
		return nil
	}

	paths, err := resolvePatternLists(r.task.Base, c.Paths)
	if err != nil {
		return eris.Wrap(err, "failed to resolve the paths to delete")
	}

	root := filepath.Clean(r.exec.projectRoot)
	for _, path := range paths {
		path = filepath.Clean(path)
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return eris.Errorf("refusing to delete %s since it's not inside the project", path)
		}

		err = os.RemoveAll(path)
		if err != nil {
			return eris.Wrapf(err, "failed to delete %s", path)
		}
	}

	return nil
}

func (s TaskCmdServe) options(defaults devserver.Options) devserver.Options {
	opts := defaults
	opts.Root = s.Root
	if s.Host != "" {
		opts.Host = s.Host
	}
	if s.Port != 0 {
		opts.Port = s.Port
	}
	if s.LiveReload != nil {
		opts.LiveReload = *s.LiveReload
	}
	if s.Open != "" {
		opts.Open = s.Open
	}
	return opts
}

func (s TaskCmdServe) run(ctx context.Context, r *taskRun) error {
	r.logCmd(ctx, s)
	if r.exec.opts.DryRun {
		return nil
	}

	server := devserver.New(s.options(r.exec.opts.Server), taskLog(ctx, r.task))
	err := server.Start()
	if err != nil {
		return eris.Wrapf(err, "task %s failed to start the dev server", r.task.Short)
	}

	r.exec.services.add(server)
	return nil
}

func (w TaskCmdWatch) run(ctx context.Context, r *taskRun) error {
	r.logCmd(ctx, w)
	if r.exec.opts.DryRun {
		return nil
	}

	logger := taskLog(ctx, r.task)
	watcher, err := fswatch.New(fswatch.Options{
		Root:     r.exec.projectRoot,
		Debounce: r.exec.opts.Debounce,
		MaxWait:  r.exec.opts.MaxWait,
	}, logger)
	if err != nil {
		return eris.Wrap(err, "failed to start the file watcher")
	}
	defer watcher.Close()

	for _, rule := range w.Rules {
		target := rule.Task
		err = watcher.Add(target.Short, rule.Globs, func(runCtx context.Context) error {
			return r.exec.fork().runTask(runCtx, target, true)
		})
		if err != nil {
			return eris.Wrapf(err, "failed to watch %s", strings.Join(rule.Globs, " "))
		}
	}

	watcher.OnRun = func(name string, err error) {
		stamp := fmt.Sprintf("%d", time.Now().UnixNano())
		if err != nil {
			logger.Error().Err(err).Msgf("Rebuild of %s failed", name)
			r.exec.services.reload("error:" + stamp)
			return
		}

		r.exec.services.reload(stamp)
	}

	err = watcher.Run(ctx)
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}
