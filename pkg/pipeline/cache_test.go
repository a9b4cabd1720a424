package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philasting/assetpipe/pkg/transform"
)

func TestCache(t *testing.T) {
	ctx, _ := testCtx(t)
	root := t.TempDir()
	tasks, _, err := RunDefaultScript(ctx, root, map[string]string{"dist": "public"}, true)
	require.NoError(t, err)

	cacheFile := filepath.Join(root, ".assetpipe", "tasks.cache")
	hash := ScriptHash(DefaultScript)
	require.NoError(t, WriteCache(cacheFile, hash, map[string]string{"dist": "public"}, tasks))

	cachedHash, options, cached, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.Equal(t, hash, cachedHash)
	assert.Equal(t, map[string]string{"dist": "public"}, options)
	assert.Len(t, cached, len(tasks))

	t.Run("Should restore pipes with their steps", func(t *testing.T) {
		pipe := cached["css"].Cmds[0].(TaskCmdPipe)
		assert.Equal(t, filepath.Join(root, "public", "css"), pipe.Dest)
		require.Len(t, pipe.Steps, 4)
		assert.IsType(t, transform.Autoprefixer{}, pipe.Steps[0])
		assert.Equal(t, transform.Rename{Suffix: ".min"}, pipe.Steps[3])
	})

	t.Run("Should restore task references", func(t *testing.T) {
		build := cached["build"]
		require.Len(t, build.Cmds, 3)
		assert.Equal(t, "clean", build.Cmds[0].(TaskCmdTaskRef).Task.Short)

		group := build.Cmds[1].(TaskCmdTaskRef).Task
		assert.True(t, group.Hidden)
		assert.Len(t, group.Cmds[0].(TaskCmdParallel).Tasks, 5)
	})

	t.Run("Should restore watch rules", func(t *testing.T) {
		rules := cached["watch"].Cmds[0].(TaskCmdWatch).Rules
		assert.Len(t, rules, 5)
	})

	t.Run("Should change the hash with the script", func(t *testing.T) {
		assert.NotEqual(t, hash, ScriptHash(append([]byte("# changed\n"), DefaultScript...)))
	})
}
