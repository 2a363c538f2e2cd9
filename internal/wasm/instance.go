package wasm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
)

// EntryPoints names the guest exports the host drives.
type EntryPoints struct {
	Start  string
	Step   string
	Malloc string
	Free   string
}

// DefaultEntryPoints returns the conventional export names.
func DefaultEntryPoints() EntryPoints {
	return EntryPoints{Start: "_start", Step: "step", Malloc: "malloc", Free: "free"}
}

// LoadOptions describes one guest to load.
type LoadOptions struct {
	Source ModuleSource

	// Host namespaces offered to the guest. Nil means everything registered
	// with the dispatcher.
	Namespaces HostFunctionTable
	Overrides  ImportOverrides

	Memory MemoryOptions

	// Instance ID (if empty, generates one).
	InstanceID string
}

// Loader compiles, validates and instantiates guest modules.
type Loader struct {
	runtime    *Runtime
	modules    *ModuleLoader
	dispatcher *Dispatcher
	entry      EntryPoints
	logger     *zap.Logger
}

// NewLoader creates a loader. Host calls from loaded guests are serviced by
// dispatcher, which also fixes the address width.
func NewLoader(runtime *Runtime, dispatcher *Dispatcher, entry EntryPoints, logger *zap.Logger) *Loader {
	return &Loader{
		runtime:    runtime,
		modules:    NewModuleLoader(runtime, logger),
		dispatcher: dispatcher,
		entry:      entry,
		logger:     logger.With(zap.String("component", "wasm-instance")),
	}
}

// Modules returns the compile-and-cache loader.
func (l *Loader) Modules() *ModuleLoader {
	return l.modules
}

// Instance represents an instantiated guest module.
type Instance struct {
	module   api.Module
	provider api.Module
	hosts    []api.Module

	mem   *memory.LinearMemory
	alloc memory.Allocator

	dispatcher *Dispatcher
	runtime    *Runtime
	entry      EntryPoints

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	exports map[string]api.Function
	started bool
	logger  *zap.Logger
}

// Load compiles opts.Source and instantiates it with the host namespaces.
// All imports are validated before anything is instantiated; on failure no
// guest code has run.
func (l *Loader) Load(ctx context.Context, opts *LoadOptions) (*Instance, error) {
	if l.runtime.IsClosed() {
		return nil, fmt.Errorf("runtime is closed")
	}

	compiled, err := l.modules.LoadModule(ctx, opts.Source)
	if err != nil {
		return nil, err
	}

	table := opts.Namespaces
	if table == nil {
		table = l.dispatcher.BuildImportTable()
	}
	table = opts.Overrides.Apply(table)

	memOpts := opts.Memory
	if memOpts.Namespace == "" {
		memOpts.Namespace = "env"
	}
	if memOpts.MaximumPages == 0 {
		memOpts.MaximumPages = l.runtime.config.MaximumPages
	}
	if memOpts.InitialPages == 0 {
		memOpts.InitialPages = l.runtime.config.InitialPages
	}
	if memOpts.InitialPages > memOpts.MaximumPages {
		return nil, &ConfigurationError{
			Field:   "memory.initial_pages",
			Message: fmt.Sprintf("initial pages %d exceed maximum pages %d", memOpts.InitialPages, memOpts.MaximumPages),
		}
	}

	if err := ValidateImports(compiled, table, l.dispatcher.Width(), memOpts); err != nil {
		l.logger.Error("Module imports rejected",
			zap.String("module", compiled.Name),
			zap.Error(err),
		)
		return nil, err
	}

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = generateUUID()
	}

	l.logger.Info("Instantiating Wasm module",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instanceID),
		zap.Stringer("address_width", l.dispatcher.Width()),
	)

	inst := &Instance{
		dispatcher: l.dispatcher,
		runtime:    l.runtime,
		entry:      l.entry,
		ID:         instanceID,
		Name:       compiled.Name,
		CreatedAt:  time.Now().Unix(),
		logger:     l.logger.With(zap.String("instance_id", instanceID)),
	}

	rt := l.runtime.runtime

	if _, imported := ImportedMemory(compiled); imported {
		if err := inst.provideMemory(ctx, rt, memOpts); err != nil {
			return nil, &InstantiationError{ModuleName: compiled.Name, InstanceID: instanceID, Err: err}
		}
	}

	hosts, err := l.dispatcher.Instantiate(ctx, rt, table)
	if err != nil {
		inst.closeSupport(ctx)
		return nil, &InstantiationError{ModuleName: compiled.Name, InstanceID: instanceID, Err: err}
	}
	inst.hosts = hosts

	// Start functions are not run here so that Start controls _start.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := rt.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		inst.closeSupport(ctx)
		return nil, &InstantiationError{ModuleName: compiled.Name, InstanceID: instanceID, Err: err}
	}
	inst.module = module
	inst.exports = cacheExportedFunctions(module)
	inst.mem, inst.alloc = l.dispatcher.Binding(module)

	l.runtime.StoreInstance(instanceID, inst)

	l.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(inst.exports)),
		zap.Int("host_namespaces", len(hosts)),
		zap.Bool("imported_memory", inst.provider != nil),
	)

	return inst, nil
}

// provideMemory instantiates the module that owns the guest's imported memory.
func (i *Instance) provideMemory(ctx context.Context, rt wazero.Runtime, opts MemoryOptions) error {
	if existing := rt.Module(opts.Namespace); existing != nil {
		return fmt.Errorf("memory namespace %s is already instantiated", opts.Namespace)
	}

	bin := memory.ProviderModule(opts.InitialPages, opts.MaximumPages)
	provider, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(opts.Namespace))
	if err != nil {
		return fmt.Errorf("failed to create linear memory: %w", err)
	}
	i.provider = provider

	mem := provider.ExportedMemory(memory.ExportName)
	i.dispatcher.AttachMemory(memory.NewLinearMemory(mem, opts.MaximumPages))

	i.logger.Debug("Linear memory created",
		zap.String("namespace", opts.Namespace),
		zap.Uint32("initial_pages", opts.InitialPages),
		zap.Uint32("maximum_pages", opts.MaximumPages),
	)
	return nil
}

func (i *Instance) closeSupport(ctx context.Context) {
	for _, h := range i.hosts {
		_ = h.Close(ctx)
	}
	i.hosts = nil
	if i.provider != nil {
		i.dispatcher.AttachMemory(nil)
		_ = i.provider.Close(ctx)
		i.provider = nil
	}
}

// Memory returns the guest's linear memory.
func (i *Instance) Memory() *memory.LinearMemory {
	return i.mem
}

// Allocator returns the allocator used for host-produced buffers.
func (i *Instance) Allocator() memory.Allocator {
	return i.alloc
}

// Exports returns the names of the guest's exported functions, sorted.
func (i *Instance) Exports() []string {
	names := make([]string, 0, len(i.exports))
	for name := range i.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export returns an exported function.
func (i *Instance) Export(name string) (api.Function, bool) {
	fn, ok := i.exports[name]
	return fn, ok
}

// Call invokes an exported function. Pending completions are applied before
// and after the call, which are the guest's turn boundaries.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn, ok := i.exports[name]
	if !ok {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}

	scheduler := i.dispatcher.Scheduler()
	scheduler.Drain(ctx)
	results, err := fn.Call(ctx, args...)
	scheduler.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("call to %s failed: %w", name, err)
	}
	return results, nil
}

// Start runs the start export once. A guest without one is left as is.
func (i *Instance) Start(ctx context.Context) error {
	if i.started {
		return nil
	}
	i.started = true
	if _, ok := i.exports[i.entry.Start]; !ok {
		return nil
	}
	_, err := i.Call(ctx, i.entry.Start)
	return err
}

// HasStep reports whether the guest exports a frame function.
func (i *Instance) HasStep() bool {
	_, ok := i.exports[i.entry.Step]
	return ok
}

// Step runs one frame. dt is passed in seconds when the export takes an f64
// parameter. It returns false when the guest asks to stop by returning 0.
func (i *Instance) Step(ctx context.Context, dt time.Duration) (bool, error) {
	fn, ok := i.exports[i.entry.Step]
	if !ok {
		return false, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: i.entry.Step}
	}

	var args []uint64
	if params := fn.Definition().ParamTypes(); len(params) == 1 && params[0] == api.ValueTypeF64 {
		args = append(args, api.EncodeF64(dt.Seconds()))
	}

	results, err := i.Call(ctx, i.entry.Step, args...)
	if err != nil {
		return false, err
	}
	if len(results) == 1 && api.DecodeU32(results[0]) == 0 {
		return false, nil
	}
	return true, nil
}

// RunOptions configures the frame loop.
type RunOptions struct {
	TickInterval time.Duration

	// Stop after this many frames; 0 means no limit.
	MaxFrames int
}

// Run starts the guest and drives it until it stops, ctx is done or the
// frame limit is reached. A guest without a step export is driven until no
// deferred operation remains.
func (i *Instance) Run(ctx context.Context, opts RunOptions) error {
	if err := i.Start(ctx); err != nil {
		return err
	}

	scheduler := i.dispatcher.Scheduler()

	if !i.HasStep() {
		for {
			scheduler.Drain(ctx)
			if scheduler.Idle() {
				return nil
			}
			i.logger.Debug("Waiting for deferred operations", zap.Int("in_flight", scheduler.InFlight()))
			if err := scheduler.Wait(ctx); err != nil {
				return err
			}
		}
	}

	if opts.TickInterval <= 0 {
		opts.TickInterval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(opts.TickInterval)
	defer ticker.Stop()

	last := time.Now()
	for frame := 0; opts.MaxFrames == 0 || frame < opts.MaxFrames; frame++ {
		now := time.Now()
		more, err := i.Step(ctx, now.Sub(last))
		if err != nil {
			return err
		}
		last = now
		if !more {
			i.logger.Info("Guest requested stop", zap.Int("frames", frame+1))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close releases the guest together with its memory and host modules.
// Close the scheduler first: completions must not outlive the memory.
func (i *Instance) Close(ctx context.Context) error {
	i.runtime.DeleteInstance(i.ID)
	i.dispatcher.Release(i.module)

	err := i.module.Close(ctx)
	i.closeSupport(ctx)
	return err
}

// cacheExportedFunctions caches references to exported functions.
func cacheExportedFunctions(module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)
	for name := range module.ExportedFunctionDefinitions() {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	return exports
}

// generateUUID generates a unique instance ID.
func generateUUID() string {
	return fmt.Sprintf("inst-%d", time.Now().UnixNano())
}
