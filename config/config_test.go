package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsZeroValue(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestLoadNonexistentFileReturnsZeroValue(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestLoadParsesYAMLFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.yaml")
	contents := `
degree: 64
buffer_size: 16
cache_capacity: 4096
block_size: 4096
file_size: 1048576
file_path: /var/lib/kvindex/tree.db
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Config{
		Degree:        64,
		BufferSize:    16,
		CacheCapacity: 4096,
		BlockSize:     4096,
		FileSize:      1048576,
		FilePath:      "/var/lib/kvindex/tree.db",
	}, cfg)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("degree: [this is not an int"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
