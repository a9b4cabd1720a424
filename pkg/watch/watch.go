// Package watch re-runs build tasks when their source files change
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/romdo/go-debounce"
	"github.com/rs/zerolog"

	"github.com/philasting/assetpipe/pkg/stream"
)

const (
	defaultDebounce = 100 * time.Millisecond
	defaultMaxWait  = time.Second
)

// Options configures a Watcher
type Options struct {
	// Root is the project root. Only used to shorten paths in log messages.
	Root     string
	Debounce time.Duration
	MaxWait  time.Duration
}

type rule struct {
	name     string
	includes []string
	excludes []string
	bases    []string
	run      func(context.Context) error

	trigger func()
	cancel  func()
	queued  bool
}

func (r *rule) matches(path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range r.excludes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return false
		}
	}

	for _, pattern := range r.includes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// Watcher maps file changes to rules. Runs are serialized: a single worker executes the rules
// in the order they were triggered.
type Watcher struct {
	// OnRun is called after every run with its result
	OnRun func(name string, err error)

	opts   Options
	logger *zerolog.Logger
	fs     *fsnotify.Watcher
	queue  chan *rule

	lock    sync.Mutex
	rules   []*rule
	watched map[string]bool
}

// New creates a watcher without any rules
func New(opts Options, logger *zerolog.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.MaxWait < opts.Debounce {
		opts.MaxWait = defaultMaxWait
		if opts.MaxWait < opts.Debounce {
			opts.MaxWait = opts.Debounce
		}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create file watcher")
	}

	return &Watcher{
		opts:    opts,
		logger:  logger,
		fs:      fsWatcher,
		queue:   make(chan *rule, 64),
		watched: make(map[string]bool),
	}, nil
}

func (w *Watcher) relPath(path string) string {
	if w.opts.Root != "" {
		if rel, err := filepath.Rel(w.opts.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return path
}

// Add registers a rule. globs must be absolute; a "!" prefix excludes matching files.
func (w *Watcher) Add(name string, globs []string, run func(context.Context) error) error {
	r := &rule{name: name, run: run}
	for _, glob := range globs {
		negated := strings.HasPrefix(glob, "!")
		pattern := filepath.ToSlash(strings.TrimPrefix(glob, "!"))
		if !doublestar.ValidatePattern(pattern) {
			return eris.Errorf("invalid glob pattern %s", glob)
		}

		if negated {
			r.excludes = append(r.excludes, pattern)
			continue
		}

		r.includes = append(r.includes, pattern)
		r.bases = append(r.bases, filepath.Clean(stream.GlobParent(glob)))
	}

	if len(r.includes) == 0 {
		return eris.Errorf("rule %s has no patterns to watch", name)
	}

	r.trigger, r.cancel = debounce.NewWithMaxWait(w.opts.Debounce, w.opts.MaxWait, func() {
		w.enqueue(r)
	})

	w.lock.Lock()
	w.rules = append(w.rules, r)
	w.lock.Unlock()

	for _, base := range r.bases {
		err := w.watchBase(base)
		if err != nil {
			return err
		}
	}
	return nil
}

// watchBase watches base recursively. If base doesn't exist yet, its closest existing parent is
// watched instead so that its creation is noticed.
func (w *Watcher) watchBase(base string) error {
	dir := base
	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return eris.Errorf("failed to find a directory to watch for %s", base)
		}
		dir = parent
	}

	if dir != base {
		return w.watchDir(dir)
	}
	return w.watchTree(dir)
}

func (w *Watcher) watchDir(dir string) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.watched[dir] {
		return nil
	}

	err := w.fs.Add(dir)
	if err != nil {
		return eris.Wrapf(err, "failed to watch %s", dir)
	}

	w.watched[dir] = true
	w.logger.Debug().Msgf("watching %s", w.relPath(dir))
	return nil
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}

		if !entry.IsDir() {
			return nil
		}

		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		return w.watchDir(path)
	})
}

// relevant reports whether dir is inside a rule's base or on the way to one
func (w *Watcher) relevant(dir string) bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	sep := string(filepath.Separator)
	for _, r := range w.rules {
		for _, base := range r.bases {
			if dir == base || strings.HasPrefix(dir, base+sep) || strings.HasPrefix(base, dir+sep) {
				return true
			}
		}
	}
	return false
}

// ignored filters hidden files, editor swap files and temp files
func ignored(path string) bool {
	name := filepath.Base(path)
	switch {
	case strings.HasPrefix(name, "."), strings.HasPrefix(name, "#"):
		return true
	case strings.HasSuffix(name, "~"):
		return true
	case name == "4913":
		// vim checks whether it can create files with this name
		return true
	}

	switch filepath.Ext(name) {
	case ".swp", ".swx", ".swo", ".tmp", ".temp", ".crdownload", ".part":
		return true
	}
	return false
}

func (w *Watcher) enqueue(r *rule) {
	w.lock.Lock()
	if r.queued {
		w.lock.Unlock()
		return
	}
	r.queued = true
	w.lock.Unlock()

	select {
	case w.queue <- r:
	default:
		// the queue holds every rule at most once so this only happens with an absurd number of rules
		w.lock.Lock()
		r.queued = false
		w.lock.Unlock()
		w.logger.Warn().Msgf("dropped change for %s", r.name)
	}
}

func (w *Watcher) dispatch(path string) {
	w.lock.Lock()
	rules := append([]*rule{}, w.rules...)
	w.lock.Unlock()

	for _, r := range rules {
		if r.matches(path) {
			w.logger.Debug().Str("rule", r.name).Msgf("%s changed", w.relPath(path))
			r.trigger()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if ignored(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if w.relevant(event.Name) {
				err = w.watchTree(event.Name)
				if err != nil {
					w.logger.Warn().Err(err).Msgf("Failed to watch %s", w.relPath(event.Name))
				}

				// files might have been created before the watch was in place
				_ = filepath.WalkDir(event.Name, func(path string, entry fs.DirEntry, err error) error {
					if err == nil && !entry.IsDir() && !ignored(path) {
						w.dispatch(path)
					}
					return nil
				})
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.dispatch(event.Name)
}

func (w *Watcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.queue:
			w.lock.Lock()
			r.queued = false
			w.lock.Unlock()

			w.logger.Info().Msgf("Running %s", r.name)
			err := r.run(ctx)
			if ctx.Err() != nil {
				return
			}

			if w.OnRun != nil {
				w.OnRun(r.name, err)
			}
		}
	}
}

// Run processes file events until ctx is cancelled. The returned error is ctx.Err() unless
// the underlying watcher failed.
func (w *Watcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.work(ctx)
	}()

	w.logger.Info().Msg("Watching for changes")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return eris.New("file watcher closed")
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return eris.New("file watcher closed")
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops all pending debouncers and releases the file watcher
func (w *Watcher) Close() error {
	w.lock.Lock()
	rules := w.rules
	w.lock.Unlock()

	for _, r := range rules {
		r.cancel()
	}
	return w.fs.Close()
}
