//go:build linux
// +build linux

package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(p, []byte("<h1>hi</h1>"), 0644))

	m, err := MapFile(p, 11)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", string(m.Bytes()))
	assert.Equal(t, 11, m.Len())

	require.NoError(t, m.Release())
	assert.Nil(t, m.Bytes())
	assert.NoError(t, m.Release())
}

func TestMapFileEmptyAndNil(t *testing.T) {
	m, err := MapFile("/does/not/matter", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.NoError(t, m.Release())

	var none *MappedFile
	assert.Nil(t, none.Bytes())
	assert.NoError(t, none.Release())
}

func TestMapFileMissing(t *testing.T) {
	_, err := MapFile(filepath.Join(t.TempDir(), "gone"), 10)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
