package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. WASMBRIDGE_ABI_ADDRESS_WIDTH.
const EnvPrefix = "WASMBRIDGE"

type BridgeConfig struct {
	LogLevel   string           `mapstructure:"log_level"`
	Module     ModuleConfig     `mapstructure:"module"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	ABI        ABIConfig        `mapstructure:"abi"`
	Entry      EntryConfig      `mapstructure:"entry"`
	Namespaces NamespacesConfig `mapstructure:"namespaces"`
	GPU        GPUConfig        `mapstructure:"gpu"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Clipboard  ClipboardConfig  `mapstructure:"clipboard"`
	Run        RunConfig        `mapstructure:"run"`
	Wasm       WasmConfig       `mapstructure:"wasm"`
}

// ModuleConfig locates the guest module.
type ModuleConfig struct {
	// Local path of the .wasm file.
	Path string `mapstructure:"path"`
	// URL to download the module from when Path is empty.
	URL string `mapstructure:"url"`
	// Manifest file; defaults to manifest.yaml beside Path.
	Manifest string `mapstructure:"manifest"`
}

// MemoryConfig sizes the linear memory offered to guests that import it.
type MemoryConfig struct {
	InitialPages uint32 `mapstructure:"initial_pages"`
	MaximumPages uint32 `mapstructure:"maximum_pages"`
	// Namespace the memory is exported under.
	Namespace string `mapstructure:"namespace"`
}

// ABIConfig is the host side of the calling convention.
type ABIConfig struct {
	// Pointer width in bytes, 4 or 8. Must match the compiled module.
	AddressWidth int `mapstructure:"address_width"`
	// Append an explicit status byte to PendingResult records.
	StatusByte bool `mapstructure:"status_byte"`
}

// EntryConfig names the guest exports the host drives.
type EntryConfig struct {
	Start  string `mapstructure:"start"`
	Step   string `mapstructure:"step"`
	Malloc string `mapstructure:"malloc"`
	Free   string `mapstructure:"free"`
}

// NamespacesConfig enables optional host namespaces.
type NamespacesConfig struct {
	DOM bool `mapstructure:"dom"`
	Env bool `mapstructure:"env"`
}

// GPUConfig selects the GPU collaborator: none or headless.
type GPUConfig struct {
	Mode string `mapstructure:"mode"`
}

// FetchConfig configures network fetches made on behalf of the guest.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   uint64        `mapstructure:"max_retries"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// ClipboardConfig selects the clipboard backend: system or memory.
type ClipboardConfig struct {
	Backend string `mapstructure:"backend"`
}

// RunConfig configures the frame loop.
type RunConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// 0 means no limit.
	MaxFrames int `mapstructure:"max_frames"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Enable DWARF stack traces.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("module.path", "")
	v.SetDefault("module.url", "")
	v.SetDefault("module.manifest", "")

	// Memory defaults: 1GB initial, 4GB ceiling
	v.SetDefault("memory.initial_pages", 16384)
	v.SetDefault("memory.maximum_pages", 65536)
	v.SetDefault("memory.namespace", "env")

	v.SetDefault("abi.address_width", 8)
	v.SetDefault("abi.status_byte", false)

	v.SetDefault("entry.start", "_start")
	v.SetDefault("entry.step", "step")
	v.SetDefault("entry.malloc", "malloc")
	v.SetDefault("entry.free", "free")

	v.SetDefault("namespaces.dom", true)
	v.SetDefault("namespaces.env", true)

	v.SetDefault("gpu.mode", "none")

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_body_bytes", 64<<20)

	v.SetDefault("clipboard.backend", "system")

	v.SetDefault("run.tick_interval", 16*time.Millisecond)
	v.SetDefault("run.max_frames", 0)

	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
}

// NewViper returns a viper instance with defaults and environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadBridgeConfig loads defaults, the optional config file and environment
// overrides.
func LoadBridgeConfig(configPath string) (*BridgeConfig, error) {
	return Load(NewViper(), configPath)
}

// Load reads configPath (if set) into v and decodes the result.
func Load(v *viper.Viper, configPath string) (*BridgeConfig, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg BridgeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the bridge cannot run with.
func (c *BridgeConfig) Validate() error {
	if _, err := memory.ParseAddressWidth(c.ABI.AddressWidth); err != nil {
		return &wasm.ConfigurationError{Field: "abi.address_width", Message: err.Error()}
	}
	if c.Memory.MaximumPages == 0 || c.Memory.MaximumPages > memory.MaxPages32 {
		return &wasm.ConfigurationError{
			Field:   "memory.maximum_pages",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", memory.MaxPages32, c.Memory.MaximumPages),
		}
	}
	if c.Memory.InitialPages > c.Memory.MaximumPages {
		return &wasm.ConfigurationError{
			Field:   "memory.initial_pages",
			Message: fmt.Sprintf("%d exceeds maximum_pages %d", c.Memory.InitialPages, c.Memory.MaximumPages),
		}
	}
	if c.Memory.Namespace == "" {
		return &wasm.ConfigurationError{Field: "memory.namespace", Message: "cannot be empty"}
	}
	switch c.GPU.Mode {
	case "none", "headless":
	default:
		return &wasm.ConfigurationError{Field: "gpu.mode", Message: fmt.Sprintf("unknown mode %q", c.GPU.Mode)}
	}
	switch c.Clipboard.Backend {
	case "system", "memory":
	default:
		return &wasm.ConfigurationError{Field: "clipboard.backend", Message: fmt.Sprintf("unknown backend %q", c.Clipboard.Backend)}
	}
	if c.Run.MaxFrames < 0 {
		return &wasm.ConfigurationError{Field: "run.max_frames", Message: "cannot be negative"}
	}
	return nil
}

// AddressWidth returns the parsed address width. Call Validate first.
func (c *BridgeConfig) AddressWidth() memory.AddressWidth {
	w, _ := memory.ParseAddressWidth(c.ABI.AddressWidth)
	return w
}
