package bridge

import (
	"os"
	"path/filepath"

	"github.com/woxQAQ/wasm-bridge/internal/config"
	"github.com/woxQAQ/wasm-bridge/internal/manifest"
)

// ApplyManifest loads the module manifest and applies it to cfg. An explicit
// module.manifest must exist; otherwise manifest.yaml beside module.path is
// used when present. It returns nil when no manifest applies.
func ApplyManifest(cfg *config.BridgeConfig) (*manifest.Manifest, error) {
	path := cfg.Module.Manifest
	if path == "" {
		if cfg.Module.Path == "" {
			return nil, nil
		}
		path = filepath.Join(filepath.Dir(cfg.Module.Path), manifest.FileName)
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
	}

	m, err := manifest.ParseFile(path)
	if err != nil {
		return nil, err
	}
	m.Apply(cfg)
	return m, nil
}
