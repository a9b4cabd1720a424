package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should use the defaults without a config file", func(t *testing.T) {
		root := t.TempDir()
		cfg, err := Load(root)
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(root, "tasks.star"), cfg.Script)
		assert.Equal(t, filepath.Join(root, ".assetpipe", "state.db"), cfg.State)
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.True(t, cfg.Server.LiveReload)
		assert.Equal(t, "./index.html", cfg.Server.Open)
		assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
		assert.Equal(t, 30*time.Second, cfg.Sass.Timeout)
		assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	})

	t.Run("Should read the config file", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(`
[log]
level = "debug"

[server]
port = 9000
livereload = false
`), 0644))

		cfg, err := Load(root)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.False(t, cfg.Server.LiveReload)
		assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	})

	t.Run("Should prefer environment variables", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("[server]\nport = 9000\n"), 0644))
		t.Setenv("ASSETPIPE_SERVER_PORT", "9100")

		cfg, err := Load(root)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
	})

	t.Run("Should reject invalid values", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("[log]\nlevel = \"loud\"\n"), 0644))

		_, err := Load(root)
		assert.ErrorContains(t, err, "log.level")
	})

	t.Run("Should parse the template", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(Template), 0644))

		_, err := Load(root)
		assert.NoError(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Log.Level = "info"
		cfg.Server.Port = 8080
		cfg.Watch.Debounce = 100 * time.Millisecond
		cfg.Watch.MaxWait = time.Second
		cfg.Sass.Timeout = time.Second
		return cfg
	}

	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"server.port":    func(cfg *Config) { cfg.Server.Port = 70000 },
		"watch.debounce": func(cfg *Config) { cfg.Watch.Debounce = 0 },
		"watch.max_wait": func(cfg *Config) { cfg.Watch.MaxWait = time.Millisecond },
		"sass.timeout":   func(cfg *Config) { cfg.Sass.Timeout = -time.Second },
		"log.level":      func(cfg *Config) { cfg.Log.Level = "verbose" },
	}

	for field, mutate := range cases {
		cfg := valid()
		mutate(cfg)
		assert.ErrorContains(t, cfg.Validate(), field)
	}
}
