// Package config loads assetpipe.toml and ASSETPIPE_* environment variables
package config

import (
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the name of the config file in the project root
const FileName = "assetpipe.toml"

// Config describes all configuration options
type Config struct {
	Script string `default:"tasks.star" usage:"Task script to load; the built-in script is used if it doesn't exist"`
	Cache  string `default:".assetpipe/tasks.cache" usage:"Location of the parsed task cache"`
	State  string `default:".assetpipe/state.db" usage:"Location of the build state database"`
	Log    struct {
		Level string `default:"info"`
		File  string
		JSON  bool `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Server struct {
		Host       string `default:"localhost" usage:"Address the dev server listens on"`
		Port       int    `default:"8080"`
		LiveReload bool   `default:"true" toml:"livereload" env:"LIVERELOAD" usage:"Reload the browser after each rebuild"`
		Open       string `default:"./index.html" usage:"Page to open once the server is running"`
		NoBrowser  bool   `default:"false" usage:"Don't open a browser"`
	}
	Sass struct {
		Binary  string        `default:"sass" usage:"Path to the dart-sass binary"`
		Timeout time.Duration `default:"30s"`
	}
	Watch struct {
		Debounce time.Duration `default:"100ms" usage:"Quiet period before a change triggers a rebuild"`
		MaxWait  time.Duration `default:"1s" usage:"Longest delay for a rebuild during continuous changes"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader that reads the config file
// from projectRoot
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "ASSETPIPE",
		Files:     []string{filepath.Join(projectRoot, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the configuration for projectRoot. Relative paths are resolved against
// projectRoot.
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load the configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	cfg.resolvePaths(projectRoot)
	return cfg, nil
}

func (cfg *Config) resolvePaths(projectRoot string) {
	for _, field := range []*string{&cfg.Script, &cfg.Cache, &cfg.State} {
		if !filepath.IsAbs(*field) {
			*field = filepath.Join(projectRoot, *field)
		}
	}
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return eris.Errorf(`Invalid value for server.port: %d (must be between 1 and 65535)`, cfg.Server.Port)
	}

	if cfg.Watch.Debounce <= 0 {
		return eris.Errorf(`Invalid value for watch.debounce: %s (must be positive)`, cfg.Watch.Debounce)
	}

	if cfg.Watch.MaxWait < cfg.Watch.Debounce {
		return eris.Errorf(`Invalid value for watch.max_wait: %s (must be at least watch.debounce)`, cfg.Watch.MaxWait)
	}

	if cfg.Sass.Timeout <= 0 {
		return eris.Errorf(`Invalid value for sass.timeout: %s (must be positive)`, cfg.Sass.Timeout)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// Template is written by `assetpipe init`
const Template = `# assetpipe configuration. Every value can also be set through ASSETPIPE_* environment
# variables, i.e. ASSETPIPE_SERVER_PORT=9000.

# script = "tasks.star"
# cache = ".assetpipe/tasks.cache"
# state = ".assetpipe/state.db"

[log]
# level = "info"
# json = false
# file = ""

[server]
# host = "localhost"
# port = 8080
# livereload = true
# open = "./index.html"
# no_browser = false

[sass]
# binary = "sass"
# timeout = "30s"

[watch]
# debounce = "100ms"
# max_wait = "1s"
`
