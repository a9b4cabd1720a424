package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philasting/assetpipe/pkg/transform"
)

func testCtx(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	buffer := &bytes.Buffer{}
	logger := zerolog.New(buffer)
	return WithLogger(context.Background(), &logger), buffer
}

func writeScript(t *testing.T, root, script string) string {
	t.Helper()
	path := filepath.Join(root, "tasks.star")
	require.NoError(t, os.WriteFile(path, []byte(script), 0644))
	return path
}

func parseScript(t *testing.T, root, script string, options map[string]string) (TaskList, map[string]ScriptOption, error) {
	t.Helper()
	ctx, _ := testCtx(t)
	return RunScript(ctx, writeScript(t, root, script), root, options, true)
}

func TestRunScript(t *testing.T) {
	t.Run("Should declare options and apply overrides", func(t *testing.T) {
		root := t.TempDir()
		tasks, options, err := parseScript(t, root, `
dist = option("dist", default = "dist", help = "output directory")
mode = option("mode", default = "dev")

def configure():
    task("show", desc = dist + ":" + mode)
`, map[string]string{"mode": "prod"})
		require.NoError(t, err)

		require.Contains(t, options, "dist")
		assert.Equal(t, "output directory", options["dist"].Help)
		assert.Equal(t, "dist:prod", tasks["show"].Desc)
	})

	t.Run("Should reject option() inside configure", func(t *testing.T) {
		_, _, err := parseScript(t, t.TempDir(), `
def configure():
    option("late")
`, nil)
		assert.ErrorContains(t, err, "init phase")
	})

	t.Run("Should require a configure function", func(t *testing.T) {
		_, _, err := parseScript(t, t.TempDir(), `x = 1`, nil)
		assert.ErrorContains(t, err, "did not declare a configure function")
	})

	t.Run("Should reject the reserved and duplicate names", func(t *testing.T) {
		_, _, err := parseScript(t, t.TempDir(), `
def configure():
    task("configure")
`, nil)
		assert.ErrorContains(t, err, "reserved")

		_, _, err = parseScript(t, t.TempDir(), `
def configure():
    task("css")
    task("css")
`, nil)
		assert.ErrorContains(t, err, "already been declared")
	})

	t.Run("Should include the backtrace of script errors", func(t *testing.T) {
		_, _, err := parseScript(t, t.TempDir(), `
def configure():
    error("something broke")
`, nil)
		assert.ErrorContains(t, err, "something broke")
	})

	t.Run("Should hide anonymous tasks", func(t *testing.T) {
		tasks, _, err := parseScript(t, t.TempDir(), `
def configure():
    a = task("a")
    b = task("b")
    series(a, parallel(a, b), short = "all")
`, nil)
		require.NoError(t, err)
		assert.Len(t, tasks, 3)

		all := tasks["all"]
		require.Len(t, all.Cmds, 2)
		assert.Equal(t, tasks["a"], all.Cmds[0].(TaskCmdTaskRef).Task)

		group := all.Cmds[1].(TaskCmdTaskRef).Task
		assert.True(t, group.Hidden)
		assert.Regexp(t, `^auto#`, group.Short)

		par := group.Cmds[0].(TaskCmdParallel)
		assert.Equal(t, []*Task{tasks["a"], tasks["b"]}, par.Tasks)
	})

	t.Run("Should turn tuples into shell commands", func(t *testing.T) {
		root := t.TempDir()
		tasks, _, err := parseScript(t, root, `
def configure():
    task("cmds", cmds = [
        "echo hello",
        ("FOO=bar", "echo", "two words", resolve_path("src")),
    ])
`, nil)
		require.NoError(t, err)

		cmds := tasks["cmds"].Cmds
		require.Len(t, cmds, 2)
		assert.Equal(t, "echo hello", cmds[0].String())
		assert.Equal(t, "FOO=bar echo 'two words' src", cmds[1].String())
		assert.Equal(t, "cmds", cmds[1].(TaskCmdScript).TaskName)
	})
}

func TestCommandConstructors(t *testing.T) {
	t.Run("Should resolve pipe paths against the script", func(t *testing.T) {
		root := t.TempDir()
		tasks, _, err := parseScript(t, root, `
def configure():
    task("html", cmds = [
        pipe(["src/**/*.html", "!src/components/**"], "dist", steps = [
            file_include(prefix = "@-@", basepath = "src/components"),
            htmlmin(collapse_whitespace = True),
        ], manifest = "rev/rev-manifest.json"),
    ])
`, nil)
		require.NoError(t, err)

		cmd := tasks["html"].Cmds[0].(TaskCmdPipe)
		assert.Equal(t, []string{
			filepath.Join(root, "src/**/*.html"),
			"!" + filepath.Join(root, "src/components/**"),
		}, cmd.Src)
		assert.Equal(t, filepath.Join(root, "dist"), cmd.Dest)
		assert.Equal(t, filepath.Join(root, "rev", "rev-manifest.json"), cmd.Manifest)

		require.Len(t, cmd.Steps, 2)
		include := cmd.Steps[0].(transform.FileInclude)
		assert.Equal(t, "@-@", include.Prefix)
		assert.Equal(t, filepath.Join(root, "src", "components"), include.BasePath)

		htmlmin := cmd.Steps[1].(transform.HTMLMin)
		assert.True(t, htmlmin.CollapseWhitespace)
		assert.True(t, htmlmin.KeepEndTags)
	})

	t.Run("Should apply step defaults", func(t *testing.T) {
		tasks, _, err := parseScript(t, t.TempDir(), `
def configure():
    task("js", cmds = [pipe("src/*.js", "dist", steps = [babel(), uglify(), rev(), imagemin(), brotli()])])
`, nil)
		require.NoError(t, err)

		steps := tasks["js"].Cmds[0].(TaskCmdPipe).Steps
		assert.Equal(t, transform.Babel{Target: "es2015"}, steps[0])
		assert.Equal(t, transform.Uglify{Mangle: true}, steps[1])
		assert.Equal(t, transform.Rev{Length: transform.HashLength}, steps[2])
		assert.Equal(t, transform.Brotli{Level: 11}, steps[4])
	})

	t.Run("Should validate step options", func(t *testing.T) {
		cases := map[string]string{
			`sass(style = "nested")`:           "style",
			`imagemin(optimization_level = 9)`: "optimization_level",
			`brotli(level = 0)`:                "level",
			`rev_collect()`:                    "manifest",
		}

		for step, message := range cases {
			_, _, err := parseScript(t, t.TempDir(), `
def configure():
    task("x", cmds = [pipe("src/*", "dist", steps = [`+step+`])])
`, nil)
			assert.ErrorContains(t, err, message, step)
		}
	})

	t.Run("Should reject values that aren't steps", func(t *testing.T) {
		_, _, err := parseScript(t, t.TempDir(), `
def configure():
    task("x", cmds = [pipe("src/*", "dist", steps = ["cssmin"])])
`, nil)
		assert.ErrorContains(t, err, "expected a step")
	})

	t.Run("Should build clean, serve and watch commands", func(t *testing.T) {
		root := t.TempDir()
		tasks, _, err := parseScript(t, root, `
def configure():
    css = task("css")
    task("clean", cmds = [clean("dist", "rev")])
    task("server", cmds = [serve("dist", port = 9000, livereload = False)])
    task("watch", cmds = [watch({("src/*.css", "!src/_*.css"): css})])
`, nil)
		require.NoError(t, err)

		clean := tasks["clean"].Cmds[0].(TaskCmdClean)
		assert.Equal(t, []string{filepath.Join(root, "dist"), filepath.Join(root, "rev")}, clean.Paths)

		serve := tasks["server"].Cmds[0].(TaskCmdServe)
		assert.Equal(t, filepath.Join(root, "dist"), serve.Root)
		assert.Equal(t, 9000, serve.Port)
		require.NotNil(t, serve.LiveReload)
		assert.False(t, *serve.LiveReload)

		watch := tasks["watch"].Cmds[0].(TaskCmdWatch)
		require.Len(t, watch.Rules, 1)
		assert.Equal(t, tasks["css"], watch.Rules[0].Task)
		assert.Equal(t, []string{filepath.Join(root, "src/*.css"), "!" + filepath.Join(root, "src/_*.css")}, watch.Rules[0].Globs)
	})

	t.Run("Should reject watch rules without tasks", func(t *testing.T) {
		_, _, err := parseScript(t, t.TempDir(), `
def configure():
    task("watch", cmds = [watch({"src/*.css": "css"})])
`, nil)
		assert.ErrorContains(t, err, "must be a task")
	})
}

func TestDefaultScript(t *testing.T) {
	ctx, _ := testCtx(t)
	root := t.TempDir()

	tasks, options, err := RunDefaultScript(ctx, root, nil, true)
	require.NoError(t, err)

	assert.Contains(t, options, "dist")
	assert.Contains(t, options, "rev_dir")
	for _, name := range []string{"css", "sass", "js", "html", "img", "revision", "clean", "server", "web", "watch", "build", "default"} {
		assert.Contains(t, tasks, name)
	}

	t.Run("Should compose the default task", func(t *testing.T) {
		cmds := tasks["default"].Cmds
		require.Len(t, cmds, 3)
		assert.Equal(t, tasks["build"], cmds[0].(TaskCmdTaskRef).Task)
		assert.Equal(t, tasks["server"], cmds[1].(TaskCmdTaskRef).Task)
		assert.Equal(t, tasks["server"], tasks["web"].Cmds[0].(TaskCmdTaskRef).Task)
		assert.Equal(t, tasks["watch"], cmds[2].(TaskCmdTaskRef).Task)

		build := tasks["build"].Cmds
		require.Len(t, build, 3)
		assert.Equal(t, tasks["clean"], build[0].(TaskCmdTaskRef).Task)
		group := build[1].(TaskCmdTaskRef).Task.Cmds[0].(TaskCmdParallel)
		assert.Len(t, group.Tasks, 5)
		assert.Equal(t, tasks["revision"], build[2].(TaskCmdTaskRef).Task)

		assert.NoError(t, checkCycles(tasks, tasks["default"]))
	})

	t.Run("Should write revved assets into the shared manifest", func(t *testing.T) {
		pipe := tasks["css"].Cmds[0].(TaskCmdPipe)
		assert.Equal(t, filepath.Join(root, "rev", "rev-manifest.json"), pipe.Manifest)
		assert.Equal(t, filepath.Join(root, "dist"), pipe.ManifestBase)
		assert.Equal(t, filepath.Join(root, "dist", "css"), pipe.Dest)
	})

	t.Run("Should honor option overrides", func(t *testing.T) {
		tasks, _, err := RunDefaultScript(ctx, root, map[string]string{"dist": "public"}, true)
		require.NoError(t, err)

		serve := tasks["server"].Cmds[0].(TaskCmdServe)
		assert.Equal(t, filepath.Join(root, "public"), serve.Root)
	})
}
