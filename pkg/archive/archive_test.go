package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadPages(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, "run-1")
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.WritePage(ctx, 2, []byte(`{"studies":[2]}`)))
	require.NoError(t, a.WritePage(ctx, 1, []byte(`{"studies":[1]}`)))
	require.NoError(t, a.WritePage(ctx, 10, []byte(`{"studies":[10]}`)))

	assert.Equal(t, filepath.Join(dir, "run-1"), a.Dir())

	pages, err := Pages(a.Dir())
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "page-00001.json.zst", filepath.Base(pages[0]))
	assert.Equal(t, "page-00010.json.zst", filepath.Base(pages[2]))

	body, err := ReadPage(pages[0])
	require.NoError(t, err)
	assert.Equal(t, `{"studies":[1]}`, string(body))

	entries, err := os.ReadDir(a.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestWritePageCancelled(t *testing.T) {
	a, err := New(t.TempDir(), "run-2")
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.WritePage(ctx, 1, []byte(`{}`)), context.Canceled)
}

func TestReadPageMissing(t *testing.T) {
	_, err := ReadPage(filepath.Join(t.TempDir(), "nope.json.zst"))
	assert.Error(t, err)
}
