package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philasting/assetpipe/pkg/stream"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), ".assetpipe", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFingerprintRoundTrip(t *testing.T) {
	store := openStore(t)

	fp, err := store.Fingerprint("css#0")
	require.NoError(t, err)
	assert.Nil(t, fp)

	require.NoError(t, store.PutFingerprint("css#0", Fingerprint{
		Hash:    "abc",
		Outputs: []string{"/dist/css/site-0123456789.min.css"},
	}))

	fp, err = store.Fingerprint("css#0")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, "abc", fp.Hash)
	assert.Equal(t, []string{"/dist/css/site-0123456789.min.css"}, fp.Outputs)
	assert.False(t, fp.Updated.IsZero())

	require.NoError(t, store.DeleteFingerprint("css#0"))
	fp, err = store.Fingerprint("css#0")
	require.NoError(t, err)
	assert.Nil(t, fp)
}

func TestRecordRun(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.RecordRun("build", 2*time.Second, eris.New("boom")))
	record, err := store.LastRun("build")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 2*time.Second, record.Duration)
	assert.Contains(t, record.Error, "boom")

	record, err = store.LastRun("unknown")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestHashInputsDependsOnContentAndDefinition(t *testing.T) {
	files := []*stream.File{{Base: "/src", Path: "a.css", Contents: []byte("a{}")}}
	changed := []*stream.File{{Base: "/src", Path: "a.css", Contents: []byte("b{}")}}

	base := HashInputs("pipe", files)
	assert.Equal(t, base, HashInputs("pipe", files))
	assert.NotEqual(t, base, HashInputs("pipe", changed))
	assert.NotEqual(t, base, HashInputs("other pipe", files))
}

func TestFingerprintMatchesOutputs(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(output, []byte("<p>built</p>"), 0644))

	outputHash, err := HashFiles([]string{output})
	require.NoError(t, err)
	noDeps, err := HashFiles(nil)
	require.NoError(t, err)
	fp := &Fingerprint{Hash: "abc", Outputs: []string{output}, OutputHash: outputHash, DepsHash: noDeps}

	assert.True(t, fp.Matches("abc"))
	assert.False(t, fp.Matches("def"))

	require.NoError(t, os.WriteFile(output, []byte("<p>rewritten</p>"), 0644))
	assert.False(t, fp.Matches("abc"))

	require.NoError(t, os.Remove(output))
	assert.False(t, fp.Matches("abc"))

	var missing *Fingerprint
	assert.False(t, missing.Matches("abc"))
}

func TestFingerprintMatchesDeps(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "index.html")
	fragment := filepath.Join(dir, "components", "header.html")
	require.NoError(t, os.MkdirAll(filepath.Dir(fragment), 0755))
	require.NoError(t, os.WriteFile(output, []byte("<p>OLD</p>"), 0644))
	require.NoError(t, os.WriteFile(fragment, []byte("OLD"), 0644))

	outputHash, err := HashFiles([]string{output})
	require.NoError(t, err)
	depsHash, err := HashFiles([]string{fragment})
	require.NoError(t, err)
	fp := &Fingerprint{
		Hash:       "abc",
		Outputs:    []string{output},
		OutputHash: outputHash,
		Deps:       []string{fragment},
		DepsHash:   depsHash,
	}

	t.Run("Should match while the fragment is untouched", func(t *testing.T) {
		assert.True(t, fp.Matches("abc"))
	})

	t.Run("Should not match once the fragment changed", func(t *testing.T) {
		require.NoError(t, os.WriteFile(fragment, []byte("NEW"), 0644))
		assert.False(t, fp.Matches("abc"))
	})

	t.Run("Should not match once the fragment is gone", func(t *testing.T) {
		require.NoError(t, os.Remove(fragment))
		assert.False(t, fp.Matches("abc"))
	})
}
