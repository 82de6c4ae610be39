package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the constructor arguments for a BPlusStore or
// BEpsilonStore wired over file-backed storage and an LRU cache, loaded
// from YAML so an embedding application doesn't have to hardcode them.
type Config struct {
	Degree        int    `yaml:"degree"`
	BufferSize    int    `yaml:"buffer_size"`
	CacheCapacity int    `yaml:"cache_capacity"`
	BlockSize     uint32 `yaml:"block_size"`
	FileSize      uint32 `yaml:"file_size"`
	FilePath      string `yaml:"file_path"`
}

// Load reads a YAML config file from path. If path is empty or the file
// does not exist, it returns a zero-value Config and a nil error.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close config file %q: %v\n", path, closeErr)
		}
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
