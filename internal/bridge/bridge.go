// Package bridge wires the runtime, the host namespaces and the capability
// providers into one host for a single guest module.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/capability"
	"github.com/woxQAQ/wasm-bridge/internal/config"
	"github.com/woxQAQ/wasm-bridge/internal/memory"
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// Bridge hosts one guest module.
type Bridge struct {
	cfg    *config.BridgeConfig
	logger *zap.Logger

	runtime    *wasm.Runtime
	scheduler  *wasm.Scheduler
	dispatcher *wasm.Dispatcher
	loader     *wasm.Loader

	fetcher   capability.Fetcher
	clipboard capability.Clipboard

	mu       sync.Mutex
	instance *wasm.Instance
	closed   bool
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithFetcher replaces the HTTP fetcher used by fetch and URL module sources.
func WithFetcher(f capability.Fetcher) Option {
	return func(b *Bridge) { b.fetcher = f }
}

// WithClipboard replaces the configured clipboard backend.
func WithClipboard(c capability.Clipboard) Option {
	return func(b *Bridge) { b.clipboard = c }
}

// New creates a bridge from a validated configuration.
func New(ctx context.Context, cfg *config.BridgeConfig, logger *zap.Logger, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "bridge")),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.fetcher == nil {
		b.fetcher = capability.NewHTTPFetcher(http.DefaultClient, capability.HTTPFetcherConfig{
			Timeout:      cfg.Fetch.Timeout,
			MaxRetries:   cfg.Fetch.MaxRetries,
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		}, logger)
	}
	if b.clipboard == nil {
		b.clipboard = b.newClipboard()
	}

	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		InitialPages:       cfg.Memory.InitialPages,
		MaximumPages:       cfg.Memory.MaximumPages,
		DebugEnabled:       cfg.Wasm.Debug,
		CacheDir:           cfg.Wasm.CacheDir,
		CloseOnContextDone: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}
	b.runtime = runtime

	entry := wasm.EntryPoints{
		Start:  cfg.Entry.Start,
		Step:   cfg.Entry.Step,
		Malloc: cfg.Entry.Malloc,
		Free:   cfg.Entry.Free,
	}

	b.scheduler = wasm.NewScheduler(logger)
	b.dispatcher = wasm.NewDispatcher(wasm.DispatcherConfig{
		Layout:   memory.ResultLayout{Width: cfg.AddressWidth(), StatusByte: cfg.ABI.StatusByte},
		MaxPages: cfg.Memory.MaximumPages,
		Malloc:   entry.Malloc,
		Free:     entry.Free,
	}, b.scheduler, logger)
	b.loader = wasm.NewLoader(runtime, b.dispatcher, entry, logger)

	if err := b.registerNamespaces(logger); err != nil {
		b.scheduler.Close()
		_ = runtime.Close(ctx)
		return nil, err
	}

	b.logger.Info("Bridge initialized",
		zap.Int("address_width", cfg.ABI.AddressWidth),
		zap.Bool("status_byte", cfg.ABI.StatusByte),
		zap.Bool("dom", cfg.Namespaces.DOM),
		zap.String("gpu_mode", cfg.GPU.Mode),
	)

	return b, nil
}

func (b *Bridge) newClipboard() capability.Clipboard {
	if b.cfg.Clipboard.Backend == "system" {
		if capability.SystemClipboardSupported() {
			return capability.SystemClipboard{}
		}
		b.logger.Warn("System clipboard unavailable, using in-memory clipboard")
	}
	return capability.NewMemoryClipboard("")
}

func (b *Bridge) registerNamespaces(logger *zap.Logger) error {
	if b.cfg.Namespaces.Env {
		env, err := capability.NewEnv(logger).Namespace(capability.EnvNamespace)
		if err != nil {
			return err
		}
		if err := b.dispatcher.RegisterNamespace(env); err != nil {
			return err
		}
	}

	if b.cfg.Namespaces.DOM {
		dom, err := capability.DOM(
			capability.NewFetchProvider(b.fetcher, logger),
			capability.NewClipboardProvider(b.clipboard, logger),
		)
		if err != nil {
			return err
		}
		if err := b.dispatcher.RegisterNamespace(dom); err != nil {
			return err
		}
	}
	return nil
}

// Source resolves the configured module location.
func (b *Bridge) Source() (wasm.ModuleSource, error) {
	switch {
	case b.cfg.Module.Path != "":
		return &wasm.FileModuleSource{Path: b.cfg.Module.Path}, nil
	case b.cfg.Module.URL != "":
		return &wasm.URLModuleSource{URL: b.cfg.Module.URL, Getter: b.fetcher}, nil
	default:
		return nil, &wasm.ConfigurationError{Field: "module.path", Message: "no module path or URL configured"}
	}
}

// table returns the import table for compiled, including its GPU namespace.
func (b *Bridge) table(compiled *wasm.CompiledModule) (wasm.HostFunctionTable, error) {
	gpu, err := capability.NewGPU(b.cfg.GPU.Mode, compiled.Module.ImportedFunctions(), b.logger)
	if err != nil {
		return nil, err
	}
	ns, err := capability.GPUNamespaceFor(gpu)
	if err != nil {
		return nil, err
	}

	table := b.dispatcher.BuildImportTable()
	table[ns.Name] = ns
	return table, nil
}

// Load compiles and instantiates the guest from source.
func (b *Bridge) Load(ctx context.Context, source wasm.ModuleSource) (*wasm.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bridge is closed")
	}
	if b.instance != nil {
		return nil, fmt.Errorf("module %s is already loaded", b.instance.Name)
	}

	compiled, err := b.loader.Modules().LoadModule(ctx, source)
	if err != nil {
		return nil, err
	}
	table, err := b.table(compiled)
	if err != nil {
		return nil, err
	}

	inst, err := b.loader.Load(ctx, &wasm.LoadOptions{
		Source:     source,
		Namespaces: table,
		Memory: wasm.MemoryOptions{
			InitialPages: b.cfg.Memory.InitialPages,
			MaximumPages: b.cfg.Memory.MaximumPages,
			Namespace:    b.cfg.Memory.Namespace,
		},
	})
	if err != nil {
		return nil, err
	}
	b.instance = inst
	return inst, nil
}

// Instance returns the loaded guest, or nil.
func (b *Bridge) Instance() *wasm.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instance
}

// Run drives the loaded guest with the configured frame loop.
func (b *Bridge) Run(ctx context.Context) error {
	inst := b.Instance()
	if inst == nil {
		return fmt.Errorf("no module loaded")
	}

	b.logger.Info("Running guest",
		zap.String("module", inst.Name),
		zap.Bool("step", inst.HasStep()),
		zap.Duration("tick_interval", b.cfg.Run.TickInterval),
		zap.Int("max_frames", b.cfg.Run.MaxFrames),
	)

	return inst.Run(ctx, wasm.RunOptions{
		TickInterval: b.cfg.Run.TickInterval,
		MaxFrames:    b.cfg.Run.MaxFrames,
	})
}

// Close waits for deferred work and releases the guest and the runtime.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	inst := b.instance
	b.instance = nil
	b.mu.Unlock()

	b.logger.Info("Shutting down bridge", zap.Int("in_flight", b.scheduler.InFlight()))

	b.scheduler.Close()

	if inst != nil {
		if err := inst.Close(ctx); err != nil {
			b.logger.Warn("Failed to close instance", zap.Error(err))
		}
	}

	if err := b.runtime.Close(ctx); err != nil {
		b.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		return err
	}

	b.logger.Info("Bridge shutdown complete")
	return nil
}
