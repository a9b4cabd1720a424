package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/philasting/assetpipe/pkg/devserver"
	"github.com/philasting/assetpipe/pkg/pipeline"
	"github.com/philasting/assetpipe/pkg/state"
	"github.com/philasting/assetpipe/pkg/transform"
)

var taskCmd = &cobra.Command{
	Use:   "task [names...] [key=value...]",
	Short: "Runs the named tasks",
	Long: `This command loads the project's tasks.star (or the built-in script) and executes the given tasks.
key=value arguments set script options. Without task names, the available tasks are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs := make([]string, 0)
		options := make(map[string]string)

		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				taskArgs = append(taskArgs, part)
			}
		}

		return runTasks(cmd, taskArgs, options)
	},
}

func shortcut(use, task, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [key=value...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := make(map[string]string)
			for _, part := range args {
				pos := strings.Index(part, "=")
				if pos < 0 {
					return eris.Errorf("unexpected argument %s, expected key=value", part)
				}
				options[part[:pos]] = part[pos+1:]
			}

			return runTasks(cmd, []string{task}, options)
		},
	}
}

func runTasks(cmd *cobra.Command, taskArgs []string, options map[string]string) error {
	dryRun, err := cmd.Flags().GetBool("dry")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	noCache, err := cmd.Flags().GetBool("no-cache")
	if err != nil {
		return err
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = s.context(ctx)

	taskList, scriptOptions, err := s.loadTasks(ctx, options, !noCache && len(taskArgs) > 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse tasks")
		return eris.New("Failed to parse tasks")
	}

	store, err := state.Open(s.cfg.State)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Continuing without build state")
		store = nil
	} else {
		defer store.Close()
	}

	if len(taskArgs) == 0 {
		listTasks(s, taskList, scriptOptions, store)
		return nil
	}

	sass := &transform.SassCompiler{
		Binary:  sassBinary(s),
		Timeout: s.cfg.Sass.Timeout,
	}
	defer sass.Close()

	opts := pipeline.RunOptions{
		DryRun: dryRun,
		Force:  force,
		State:  store,
		Sass:   sass,
		Server: devserver.Options{
			Host:       s.cfg.Server.Host,
			Port:       s.cfg.Server.Port,
			LiveReload: s.cfg.Server.LiveReload,
			Open:       s.cfg.Server.Open,
			NoBrowser:  s.cfg.Server.NoBrowser,
		},
		Debounce: s.cfg.Watch.Debounce,
		MaxWait:  s.cfg.Watch.MaxWait,
	}

	for _, name := range taskArgs {
		err = pipeline.RunTask(ctx, s.root, name, taskList, opts)
		if err != nil {
			if eris.Is(err, context.Canceled) {
				s.logger.Info().Msg("Interrupted")
				return nil
			}

			s.logger.Error().Err(err).Msgf("Failed task %s:", name)
			return eris.Errorf("task %s failed", name)
		}
	}

	return nil
}

// sassBinary prefers the dart-sass release installed by fetch-deps over the configured binary
func sassBinary(s *session) string {
	if s.cfg.Sass.Binary != "sass" {
		return s.cfg.Sass.Binary
	}

	name := "sass"
	if filepath.Separator == '\\' {
		name = "sass.bat"
	}

	local := filepath.Join(s.root, ".tools", "dart-sass", name)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return s.cfg.Sass.Binary
}

func listTasks(s *session, taskList pipeline.TaskList, options map[string]pipeline.ScriptOption, store *state.Store) {
	fmt.Println("Available tasks:")
	maxNameLen := 0
	sortedNames := make([]string, 0)
	for _, task := range taskList {
		nameLen := len(task.Short)
		if nameLen > maxNameLen {
			maxNameLen = nameLen
		}

		sortedNames = append(sortedNames, task.Short)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Printf(lineFmt, name+":", taskList[name].Desc)

		if store == nil {
			continue
		}

		record, err := store.LastRun(name)
		if err != nil {
			s.logger.Warn().Err(err).Msgf("Failed to read the last run of %s", name)
			continue
		}

		if record != nil {
			event := s.logger.Debug().Str("task", name).Dur("duration", record.Duration)
			if record.Error != "" {
				event = event.Str("failure", record.Error)
			}
			event.Msgf("last run %s", record.Finished.Format("2006-01-02 15:04:05"))
		}
	}

	if len(options) == 0 {
		return
	}

	fmt.Println("\nOptions:")
	sortedNames = sortedNames[:0]
	for name := range options {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)

	for _, name := range sortedNames {
		fmt.Printf(" * %s=%s  %s\n", name, options[name].Default(), options[name].Help)
	}
}

func init() {
	build := shortcut("build", "build", "Builds all assets from scratch (same as task build)")
	dev := shortcut("dev", "default", "Builds, serves and watches the project (same as task default)")

	for _, cmd := range []*cobra.Command{taskCmd, build, dev} {
		cmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
		cmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
		cmd.Flags().Bool("no-cache", false, "always re-evaluate the task script")
		rootCmd.AddCommand(cmd)
	}
}
