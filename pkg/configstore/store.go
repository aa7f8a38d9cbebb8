// Package configstore persists the ordered endpoint configuration sequence
// in a settings file. The endpoint registry reads it once at load time and
// writes the full sequence back on every mutation.
package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/hostbridge/mcphub/pkg/endpointmgr"
)

const endpointsKey = "endpoints"

// FileStore is a file-backed implementation of endpointmgr.Store. The file
// format follows the path extension (yaml, json, toml); a missing file reads
// as an empty endpoint set.
type FileStore struct {
	mu   sync.Mutex
	path string
	v    *viper.Viper
}

// Open prepares a store at path. The file is not required to exist yet.
func Open(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("configstore: empty path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	return &FileStore{path: path, v: v}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the full endpoint sequence in file order.
func (s *FileStore) Load() ([]endpointmgr.EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: read %s: %w", s.path, err)
	}

	var configs []endpointmgr.EndpointConfig
	if err := s.v.UnmarshalKey(endpointsKey, &configs, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	)); err != nil {
		return nil, fmt.Errorf("configstore: decode %s: %w", s.path, err)
	}
	return configs, nil
}

// Save writes the full endpoint sequence back, replacing the previous
// contents of the endpoints key. The parent directory is created when
// missing.
func (s *FileStore) Save(configs []endpointmgr.EndpointConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Structs are flattened to tagged maps first so the on-disk keys match
	// what Load decodes.
	records := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		var record map[string]any
		if err := mapstructure.Decode(cfg, &record); err != nil {
			return fmt.Errorf("configstore: encode endpoint %q: %w", cfg.ID, err)
		}
		records = append(records, record)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("configstore: create %s: %w", dir, err)
		}
	}
	s.v.Set(endpointsKey, records)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("configstore: write %s: %w", s.path, err)
	}
	return nil
}
