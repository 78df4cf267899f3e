package filestream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamsAreValidJSONArrays(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(JSONArray)
	w.Open("rows", filepath.Join(dir, "a", "rows.json"))
	w.Open("msgs", filepath.Join(dir, "b", "msgs.json"))
	w.Open("empty", filepath.Join(dir, "c", "empty.json"))

	require.NoError(t, w.Write("rows", map[string]int{"n": 1}, map[string]int{"n": 2}))
	require.NoError(t, w.Write("msgs", map[string]string{"text": "hi"}))
	require.NoError(t, w.Write("rows", map[string]int{"n": 3}))

	res := w.Close()
	require.Len(t, res, 3)
	require.Empty(t, Errors(res))
	require.Equal(t, "empty", res[0].Name)
	require.Equal(t, 0, res[0].Records)
	require.Equal(t, 3, res[2].Records)

	raw, err := os.ReadFile(filepath.Join(dir, "a", "rows.json"))
	require.NoError(t, err)
	require.Equal(t, "[\n{\"n\":1},\n{\"n\":2},\n{\"n\":3}\n]", string(raw))
	var decoded []map[string]int
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 3)

	_, err = os.Stat(filepath.Join(dir, "c", "empty.json"))
	require.True(t, os.IsNotExist(err))
}

func TestWriteErrorsAreSticky(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	w := New(JSONArray)
	w.Open("bad", filepath.Join(blocker, "sub", "out.json"))
	err := w.Write("bad", 1)
	require.Error(t, err)
	require.Equal(t, err, w.Write("bad", 2))

	require.Error(t, w.Write("unknown", 1))

	res := w.Close()
	require.Len(t, Errors(res), 1)
	require.ErrorIs(t, w.Write("bad", 3), ErrClosed)
}
