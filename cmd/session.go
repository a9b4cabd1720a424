package cmd

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/philasting/assetpipe/pkg"
	"github.com/philasting/assetpipe/pkg/config"
	"github.com/philasting/assetpipe/pkg/pipeline"
)

// session holds everything commands share: the project root, the loaded configuration and the
// logger
type session struct {
	root    string
	cfg     *config.Config
	logger  *zerolog.Logger
	logFile *os.File
}

func newSession(cmd *cobra.Command) (*session, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "Failed to retrieve the current working directory")
	}

	root, err := pkg.GetProjectRoot(wd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	err = applyFlags(cmd, cfg)
	if err != nil {
		return nil, err
	}

	s := &session{root: root, cfg: cfg}
	err = s.setupLogger()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// applyFlags copies explicitly passed persistent flags over the loaded configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error

	if flags.Changed("log-level") {
		cfg.Log.Level, err = flags.GetString("log-level")
		if err != nil {
			return err
		}
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, err = flags.GetBool("log-json")
		if err != nil {
			return err
		}
	}
	if flags.Changed("host") {
		cfg.Server.Host, err = flags.GetString("host")
		if err != nil {
			return err
		}
	}
	if flags.Changed("port") {
		cfg.Server.Port, err = flags.GetInt("port")
		if err != nil {
			return err
		}
	}
	if flags.Changed("no-browser") {
		cfg.Server.NoBrowser, err = flags.GetBool("no-browser")
		if err != nil {
			return err
		}
	}
	if flags.Changed("no-livereload") {
		disabled, err := flags.GetBool("no-livereload")
		if err != nil {
			return err
		}
		cfg.Server.LiveReload = !disabled
	}

	return cfg.Validate()
}

func (s *session) setupLogger() error {
	var out io.Writer = os.Stderr
	noColor := false

	if s.cfg.Log.File != "" {
		logFile, err := os.Create(s.cfg.Log.File)
		if err != nil {
			return eris.Wrap(err, "Failed to open log file")
		}

		s.logFile = logFile
		out = logFile
		noColor = true
	}

	if !s.cfg.Log.JSON {
		out = NewConsoleWriter(out, noColor)
	}

	zerolog.SetGlobalLevel(s.cfg.LogLevel())
	logger := zerolog.New(out).With().Timestamp().Logger()
	s.logger = &logger
	return nil
}

func (s *session) context(ctx context.Context) context.Context {
	return pipeline.WithLogger(ctx, s.logger)
}

func (s *session) Close() {
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// loadTasks evaluates the configured script, falling back to the built-in one. Parsed task lists
// are cached and reused as long as the script and the option values don't change.
func (s *session) loadTasks(ctx context.Context, options map[string]string, useCache bool) (pipeline.TaskList, map[string]pipeline.ScriptOption, error) {
	script, err := os.ReadFile(s.cfg.Script)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return nil, nil, eris.Wrapf(err, "Failed to read %s", s.cfg.Script)
		}

		s.logger.Debug().Msgf("%s not found, using the built-in script", s.cfg.Script)
		script = pipeline.DefaultScript
	}

	if options == nil {
		options = map[string]string{}
	}

	hash := pipeline.ScriptHash(script)
	if useCache {
		cachedHash, cachedOptions, list, err := pipeline.ReadCache(s.cfg.Cache)
		if err == nil && cachedHash == hash && sameOptions(cachedOptions, options) {
			s.logger.Debug().Msg("Using cached task list")
			return list, nil, nil
		}
	}

	list, scriptOptions, err := pipeline.RunScriptSource(ctx, s.cfg.Script, script, s.root, options, true)
	if err != nil {
		return nil, nil, err
	}

	err = pipeline.WriteCache(s.cfg.Cache, hash, options, list)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write the task cache")
	}

	return list, scriptOptions, nil
}

func sameOptions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for key, value := range a {
		other, ok := b[key]
		if !ok || other != value {
			return false
		}
	}
	return true
}
