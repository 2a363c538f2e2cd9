// Package manifest reads the manifest.yaml shipped beside a guest module. It
// records what the module was built for: memory sizing, pointer width, the
// host namespaces it needs and its entry points.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/wasm-bridge/internal/config"
)

// FileName is the manifest file name looked up beside a module.
const FileName = "manifest.yaml"

// KnownNamespaces are the host namespaces a manifest may require.
var KnownNamespaces = map[string]bool{
	"odin_env": true,
	"odin_dom": true,
	"wgpu":     true,
}

// Manifest represents the manifest.yaml structure.
type Manifest struct {
	Name       string       `yaml:"name"`
	Version    string       `yaml:"version"`
	Wasm       WasmConfig   `yaml:"wasm"`
	Memory     MemoryConfig `yaml:"memory"`
	ABI        ABIConfig    `yaml:"abi"`
	Namespaces []string     `yaml:"namespaces"`
	Entry      EntryConfig  `yaml:"entry"`
	GPU        string       `yaml:"gpu"`

	// Internal fields
	path string
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file"`
}

// MemoryConfig holds the linear memory the module expects. Zero means unset.
type MemoryConfig struct {
	InitialPages uint32 `yaml:"initial_pages"`
	MaximumPages uint32 `yaml:"maximum_pages"`
}

// ABIConfig holds the calling convention the module was compiled for.
type ABIConfig struct {
	AddressWidth int   `yaml:"address_width"`
	StatusByte   *bool `yaml:"status_byte"`
}

// EntryConfig overrides export names. Empty means unset.
type EntryConfig struct {
	Start  string `yaml:"start"`
	Step   string `yaml:"step"`
	Malloc string `yaml:"malloc"`
	Free   string `yaml:"free"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	return ParseFile(filepath.Join(dir, FileName))
}

// ParseFile reads, parses and validates a manifest file.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &NotFoundError{
			Path: path,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{
			Path: path,
			Err:  err,
		}
	}

	m.path = path

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return m.invalid("name", "name is required")
	}
	if m.Version == "" {
		return m.invalid("version", "version is required")
	}
	if m.Wasm.File == "" {
		return m.invalid("wasm.file", "wasm.file is required")
	}

	switch m.ABI.AddressWidth {
	case 0, 4, 8:
	default:
		return m.invalid("abi.address_width", fmt.Sprintf("address width must be 4 or 8, got %d", m.ABI.AddressWidth))
	}

	if m.Memory.MaximumPages > 65536 {
		return m.invalid("memory.maximum_pages", fmt.Sprintf("maximum pages must not exceed 65536, got %d", m.Memory.MaximumPages))
	}
	if m.Memory.MaximumPages != 0 && m.Memory.InitialPages > m.Memory.MaximumPages {
		return m.invalid("memory.initial_pages", fmt.Sprintf("initial pages %d exceed maximum pages %d", m.Memory.InitialPages, m.Memory.MaximumPages))
	}

	for _, ns := range m.Namespaces {
		if !KnownNamespaces[ns] {
			return m.invalid("namespaces", fmt.Sprintf("unknown namespace: %s (must be one of: odin_env, odin_dom, wgpu)", ns))
		}
	}

	switch m.GPU {
	case "", "none", "headless":
	default:
		return m.invalid("gpu", fmt.Sprintf("unknown GPU mode: %s (must be one of: none, headless)", m.GPU))
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

func (m *Manifest) invalid(field, message string) error {
	return &ValidationError{Path: m.Path(), Field: field, Message: message}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return m.path
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return filepath.Dir(m.path)
}

// WasmPath returns the path of the module file.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Wasm.File) {
		return m.Wasm.File
	}
	return filepath.Join(m.Dir(), m.Wasm.File)
}

// Requires reports whether the manifest lists namespace.
func (m *Manifest) Requires(namespace string) bool {
	for _, ns := range m.Namespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// Apply overrides cfg with every value the manifest sets. The module path
// is taken from the manifest; a required odin_dom namespace is enabled.
func (m *Manifest) Apply(cfg *config.BridgeConfig) {
	cfg.Module.Path = m.WasmPath()

	if m.Memory.InitialPages != 0 {
		cfg.Memory.InitialPages = m.Memory.InitialPages
	}
	if m.Memory.MaximumPages != 0 {
		cfg.Memory.MaximumPages = m.Memory.MaximumPages
	}
	if m.ABI.AddressWidth != 0 {
		cfg.ABI.AddressWidth = m.ABI.AddressWidth
	}
	if m.ABI.StatusByte != nil {
		cfg.ABI.StatusByte = *m.ABI.StatusByte
	}
	if m.Requires("odin_dom") {
		cfg.Namespaces.DOM = true
	}
	if m.Requires("odin_env") {
		cfg.Namespaces.Env = true
	}
	if m.GPU != "" {
		cfg.GPU.Mode = m.GPU
	}

	setIf(&cfg.Entry.Start, m.Entry.Start)
	setIf(&cfg.Entry.Step, m.Entry.Step)
	setIf(&cfg.Entry.Malloc, m.Entry.Malloc)
	setIf(&cfg.Entry.Free, m.Entry.Free)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
