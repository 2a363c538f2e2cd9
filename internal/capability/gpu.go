package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// GPU modes.
const (
	GPUModeNone     = "none"
	GPUModeHeadless = "headless"
)

// GPUNamespace is the namespace the GPU interface is imported under.
const GPUNamespace = "wgpu"

// GPU supplies the functions of the GPU namespace.
type GPU interface {
	Functions() map[string]*wasm.HostFunc
}

// NoGPU provides an empty GPU namespace. Guests importing any GPU function
// fail to load.
type NoGPU struct{}

// Functions returns no functions.
func (NoGPU) Functions() map[string]*wasm.HostFunc {
	return nil
}

// HeadlessGPU answers every GPU import a module declares with a stub that
// returns zero. Each stub logs the first time it is called.
type HeadlessGPU struct {
	funcs  map[string]*wasm.HostFunc
	logger *zap.Logger

	mu     sync.Mutex
	called map[string]bool
}

// NewHeadlessGPU builds stubs for the GPU imports among imports.
func NewHeadlessGPU(imports []api.FunctionDefinition, logger *zap.Logger) *HeadlessGPU {
	g := &HeadlessGPU{
		funcs:  make(map[string]*wasm.HostFunc),
		logger: logger.With(zap.String("component", "gpu")),
		called: make(map[string]bool),
	}

	for _, def := range imports {
		ns, name, _ := def.Import()
		if ns != GPUNamespace {
			continue
		}
		fn := &wasm.HostFunc{
			Params:  kindsOf(def.ParamTypes()),
			Results: kindsOf(def.ResultTypes()),
			Handler: g.stub(name),
		}
		if len(fn.Results) > 1 {
			continue
		}
		g.funcs[name] = fn
	}

	g.logger.Info("Headless GPU stubs created", zap.Int("functions", len(g.funcs)))
	return g
}

func kindsOf(types []api.ValueType) []wasm.ValueKind {
	kinds := make([]wasm.ValueKind, len(types))
	for i, t := range types {
		kinds[i] = wasm.KindOf(t)
	}
	return kinds
}

func (g *HeadlessGPU) stub(name string) wasm.Handler {
	return func(context.Context, *wasm.Call) (uint64, error) {
		g.mu.Lock()
		first := !g.called[name]
		g.called[name] = true
		g.mu.Unlock()

		if first {
			g.logger.Warn("GPU call stubbed", zap.String("function", name))
		}
		return 0, nil
	}
}

// Functions returns the stubs.
func (g *HeadlessGPU) Functions() map[string]*wasm.HostFunc {
	return g.funcs
}

// NewGPU selects the GPU for mode. imports are the function imports of the
// module to serve, needed by headless mode.
func NewGPU(mode string, imports []api.FunctionDefinition, logger *zap.Logger) (GPU, error) {
	switch mode {
	case "", GPUModeNone:
		return NoGPU{}, nil
	case GPUModeHeadless:
		return NewHeadlessGPU(imports, logger), nil
	default:
		return nil, &wasm.ConfigurationError{
			Field:   "gpu.mode",
			Message: fmt.Sprintf("unknown GPU mode %q", mode),
		}
	}
}

// GPUNamespaceFor builds the GPU namespace from gpu.
func GPUNamespaceFor(gpu GPU) (*wasm.Namespace, error) {
	ns := wasm.NewNamespace(GPUNamespace)
	for name, fn := range gpu.Functions() {
		if err := ns.Add(name, fn); err != nil {
			return nil, err
		}
	}
	return ns, nil
}
