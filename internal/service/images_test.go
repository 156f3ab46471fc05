package service

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageInspector(t *testing.T) {
	f := newFixture(t, 5, "dunes")
	f.writeImage(t, "dunes", 120, 80)
	dir := f.store.ItemDir("dunes")

	path, err := f.images.SourceImage(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "original.png"), path)

	w, h, err := f.images.Dimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 120, w)
	assert.Equal(t, 80, h)

	ref, err := f.images.Reference("dunes", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "data:image/png;base64,"))

	public := NewImageInspector("https://images.example.com/items/")
	ref, err = public.Reference("dunes at dusk", path)
	require.NoError(t, err)
	assert.Equal(t, "https://images.example.com/items/dunes%20at%20dusk/original.png", ref)

	_, err = f.images.SourceImage(t.TempDir())
	assert.ErrorIs(t, err, ErrSourceImageMissing)
}
