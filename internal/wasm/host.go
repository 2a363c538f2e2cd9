package wasm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
)

// ValueKind is the type of a host function parameter or result as declared
// by the host. Pointer and size kinds follow the configured address width.
type ValueKind uint8

const (
	KindPointer ValueKind = iota + 1
	KindSize
	KindI32
	KindI64
	KindF32
	KindF64
)

// ValueType maps the kind to a wasm value type for the given address width.
func (k ValueKind) ValueType(width memory.AddressWidth) api.ValueType {
	switch k {
	case KindPointer, KindSize:
		if width == memory.Width64 {
			return api.ValueTypeI64
		}
		return api.ValueTypeI32
	case KindI64:
		return api.ValueTypeI64
	case KindF32:
		return api.ValueTypeF32
	case KindF64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

// KindOf maps a raw wasm value type to a fixed-width kind.
func KindOf(t api.ValueType) ValueKind {
	switch t {
	case api.ValueTypeI64:
		return KindI64
	case api.ValueTypeF32:
		return KindF32
	case api.ValueTypeF64:
		return KindF64
	default:
		return KindI32
	}
}

func valueTypes(kinds []ValueKind, width memory.AddressWidth) []api.ValueType {
	types := make([]api.ValueType, len(kinds))
	for i, k := range kinds {
		types[i] = k.ValueType(width)
	}
	return types
}

// Handler implements a host function. It returns the raw result value (ignored
// when the function declares no result). A returned error is fatal to the
// guest call in progress.
type Handler func(ctx context.Context, call *Call) (uint64, error)

// HostFunc is one function registered for import by guest modules.
type HostFunc struct {
	Params     []ValueKind
	Results    []ValueKind
	ParamNames []string
	Handler    Handler
}

// Namespace is a named set of host functions, imported by the guest under
// the namespace name.
type Namespace struct {
	Name  string
	Funcs map[string]*HostFunc
}

// NewNamespace creates an empty namespace.
func NewNamespace(name string) *Namespace {
	return &Namespace{Name: name, Funcs: make(map[string]*HostFunc)}
}

// Add registers fn under name.
func (n *Namespace) Add(name string, fn *HostFunc) error {
	if name == "" {
		return fmt.Errorf("host function name cannot be empty (namespace %s)", n.Name)
	}
	if fn == nil || fn.Handler == nil {
		return fmt.Errorf("host function %s.%s has no handler", n.Name, name)
	}
	if len(fn.Results) > 1 {
		return fmt.Errorf("host function %s.%s declares %d results, at most 1 is supported", n.Name, name, len(fn.Results))
	}
	if _, exists := n.Funcs[name]; exists {
		return &DuplicateFunctionError{Namespace: n.Name, Name: name}
	}
	n.Funcs[name] = fn
	return nil
}

// Names returns the function names in sorted order.
func (n *Namespace) Names() []string {
	names := make([]string, 0, len(n.Funcs))
	for name := range n.Funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n *Namespace) clone() *Namespace {
	c := NewNamespace(n.Name)
	for name, fn := range n.Funcs {
		c.Funcs[name] = fn
	}
	return c
}

// HostFunctionTable maps namespace names to namespaces.
type HostFunctionTable map[string]*Namespace

// Lookup finds a function by namespace and name.
func (t HostFunctionTable) Lookup(namespace, name string) (*HostFunc, bool) {
	ns, ok := t[namespace]
	if !ok {
		return nil, false
	}
	fn, ok := ns.Funcs[name]
	return fn, ok
}

// Namespaces returns the namespace names in sorted order.
func (t HostFunctionTable) Namespaces() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImportOverrides substitutes or removes namespaces of an import table.
type ImportOverrides struct {
	Replace map[string]*Namespace
	Omit    []string
}

// Apply returns a copy of table with the overrides applied.
func (o ImportOverrides) Apply(table HostFunctionTable) HostFunctionTable {
	out := make(HostFunctionTable, len(table))
	for name, ns := range table {
		out[name] = ns
	}
	for name, ns := range o.Replace {
		out[name] = ns
	}
	for _, name := range o.Omit {
		delete(out, name)
	}
	return out
}

// DispatcherConfig configures the calling convention.
type DispatcherConfig struct {
	// Layout of PendingResult records (carries the address width).
	Layout memory.ResultLayout

	// Ceiling for memories wrapped on behalf of guests that define their own.
	MaxPages uint32

	// Names of the guest allocator exports.
	Malloc string
	Free   string
}

// Dispatcher registers host functions and services guest calls into them.
type Dispatcher struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace

	config    DispatcherConfig
	scheduler *Scheduler
	binder    *binder
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. Deferred work is run by scheduler.
func NewDispatcher(config DispatcherConfig, scheduler *Scheduler, logger *zap.Logger) *Dispatcher {
	if config.Layout.Width == 0 {
		config.Layout.Width = memory.Width32
	}
	return &Dispatcher{
		namespaces: make(map[string]*Namespace),
		config:     config,
		scheduler:  scheduler,
		binder:     newBinder(config),
		logger:     logger.With(zap.String("component", "wasm-host")),
	}
}

// Width returns the configured address width.
func (d *Dispatcher) Width() memory.AddressWidth {
	return d.config.Layout.Width
}

// Layout returns the PendingResult layout.
func (d *Dispatcher) Layout() memory.ResultLayout {
	return d.config.Layout
}

// Scheduler returns the scheduler deferred operations run on.
func (d *Dispatcher) Scheduler() *Scheduler {
	return d.scheduler
}

// Register adds a host function under namespace and name.
// Names must be unique within a namespace.
func (d *Dispatcher) Register(namespace, name string, fn *HostFunc) error {
	if namespace == "" {
		return errors.New("host namespace cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ns, ok := d.namespaces[namespace]
	if !ok {
		ns = NewNamespace(namespace)
		d.namespaces[namespace] = ns
	}
	if err := ns.Add(name, fn); err != nil {
		return err
	}

	d.logger.Debug("Host function registered",
		zap.String("namespace", namespace),
		zap.String("name", name),
	)
	return nil
}

// RegisterNamespace adds every function of ns. An empty namespace is still
// recorded so that it is present in the import table.
func (d *Dispatcher) RegisterNamespace(ns *Namespace) error {
	d.mu.Lock()
	if _, ok := d.namespaces[ns.Name]; !ok {
		d.namespaces[ns.Name] = NewNamespace(ns.Name)
	}
	d.mu.Unlock()

	for _, name := range ns.Names() {
		if err := d.Register(ns.Name, name, ns.Funcs[name]); err != nil {
			return err
		}
	}
	return nil
}

// BuildImportTable assembles all registrations for module instantiation.
func (d *Dispatcher) BuildImportTable() HostFunctionTable {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table := make(HostFunctionTable, len(d.namespaces))
	for name, ns := range d.namespaces {
		table[name] = ns.clone()
	}
	return table
}

// Instantiate builds one wazero host module per namespace of table.
// Namespaces already present in the runtime are left as they are.
func (d *Dispatcher) Instantiate(ctx context.Context, rt wazero.Runtime, table HostFunctionTable) ([]api.Module, error) {
	var mods []api.Module
	for _, nsName := range table.Namespaces() {
		if rt.Module(nsName) != nil {
			continue
		}
		ns := table[nsName]
		builder := rt.NewHostModuleBuilder(nsName)

		for _, name := range ns.Names() {
			fn := ns.Funcs[name]
			fb := builder.NewFunctionBuilder().
				WithGoModuleFunction(d.goFunc(nsName+"."+name, fn),
					valueTypes(fn.Params, d.Width()),
					valueTypes(fn.Results, d.Width()))
			if len(fn.ParamNames) == len(fn.Params) {
				fb = fb.WithParameterNames(fn.ParamNames...)
			}
			fb.Export(name)
		}

		mod, err := builder.Instantiate(ctx)
		if err != nil {
			for _, m := range mods {
				_ = m.Close(ctx)
			}
			return nil, fmt.Errorf("failed to instantiate host namespace %s: %w", nsName, err)
		}
		mods = append(mods, mod)

		d.logger.Debug("Host namespace instantiated",
			zap.String("namespace", nsName),
			zap.Int("functions", len(ns.Funcs)),
		)
	}
	return mods, nil
}

// goFunc adapts a HostFunc to wazero's stack-based calling convention.
// Errors abort the guest call by panicking; wazero returns the panic value
// as the error of the guest's exported call.
func (d *Dispatcher) goFunc(qualified string, fn *HostFunc) api.GoModuleFunc {
	nparams := len(fn.Params)
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		b := d.binder.bind(mod)
		call := &Call{
			Name:      qualified,
			Args:      append([]uint64(nil), stack[:nparams]...),
			Module:    mod,
			Memory:    b.mem,
			Alloc:     b.alloc,
			Layout:    d.config.Layout,
			Scheduler: d.scheduler,
			Logger:    d.logger,
		}

		result, err := fn.Handler(ctx, call)
		if err != nil {
			d.logger.Error("Host function failed",
				zap.String("function", qualified),
				zap.Error(err),
			)
			panic(&HostFunctionError{FunctionName: qualified, Err: err})
		}
		if len(fn.Results) > 0 {
			stack[0] = result
		}
	}
}

// AttachMemory makes mem the linear memory seen by every host call, for
// guests that import their memory from the host.
func (d *Dispatcher) AttachMemory(mem *memory.LinearMemory) {
	d.binder.attach(mem)
}

// Binding returns the memory and allocator host calls from mod operate on.
func (d *Dispatcher) Binding(mod api.Module) (*memory.LinearMemory, memory.Allocator) {
	b := d.binder.bind(mod)
	return b.mem, b.alloc
}

// Release forgets the binding of mod.
func (d *Dispatcher) Release(mod api.Module) {
	d.binder.release(mod)
}

// Call carries the arguments and environment of one host call.
type Call struct {
	Name      string
	Args      []uint64
	Module    api.Module
	Memory    *memory.LinearMemory
	Alloc     memory.Allocator
	Layout    memory.ResultLayout
	Scheduler *Scheduler
	Logger    *zap.Logger
}

var errNoMemory = errors.New("guest has no linear memory")

// ErrSchedulerClosed is returned by Defer once the scheduler stopped
// accepting work.
var ErrSchedulerClosed = errors.New("deferred operations are no longer accepted")

// Pointer decodes argument i as a pointer. Values beyond 32-bit memory
// saturate so that any access through them fails the bounds check.
func (c *Call) Pointer(i int) memory.Pointer {
	return memory.Pointer(c.sized(i))
}

// Size decodes argument i as an address-width sized length.
func (c *Call) Size(i int) uint32 {
	return c.sized(i)
}

func (c *Call) sized(i int) uint32 {
	v := c.Args[i]
	if c.Layout.Width == memory.Width32 {
		return api.DecodeU32(v)
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// U32 decodes argument i as an unsigned 32-bit integer.
func (c *Call) U32(i int) uint32 {
	return api.DecodeU32(c.Args[i])
}

// I64 decodes argument i as a signed 64-bit integer.
func (c *Call) I64(i int) int64 {
	return int64(c.Args[i])
}

// F64 decodes argument i as a 64-bit float.
func (c *Call) F64(i int) float64 {
	return api.DecodeF64(c.Args[i])
}

// Bytes copies the region described by the pointer and length arguments.
func (c *Call) Bytes(ptrIdx, lenIdx int) ([]byte, error) {
	if c.Memory == nil {
		return nil, errNoMemory
	}
	return c.Memory.Read(uint32(c.Pointer(ptrIdx)), c.Size(lenIdx))
}

// String decodes the region described by the pointer and length arguments
// as text.
func (c *Call) String(ptrIdx, lenIdx int) (string, error) {
	if c.Memory == nil {
		return "", errNoMemory
	}
	return c.Memory.ReadString(uint32(c.Pointer(ptrIdx)), c.Size(lenIdx))
}

// Defer starts an asynchronous operation that publishes into the
// PendingResult record at resultPtr. The record is zeroed (flag=0) before
// Defer returns; work runs off the guest's call stack and its completion is
// applied at the guest's next turn boundary. The returned value is
// resultPtr, to be handed back to the guest.
func (c *Call) Defer(ctx context.Context, resultPtr memory.Pointer, work Work) (uint64, error) {
	if err := c.CheckResult(resultPtr); err != nil {
		return 0, err
	}
	if err := c.Layout.Reset(c.Memory, resultPtr); err != nil {
		return 0, err
	}
	if !c.Scheduler.Go(ctx, c.Name, work) {
		return 0, ErrSchedulerClosed
	}
	return uint64(resultPtr), nil
}

// CheckResult reports whether a PendingResult record fits at resultPtr.
func (c *Call) CheckResult(resultPtr memory.Pointer) error {
	if c.Memory == nil {
		return errNoMemory
	}
	return c.Layout.Check(c.Memory, resultPtr)
}
