package wasm

import (
	"context"
	"fmt"
	"os"
	"time"

	wasmbin "github.com/wippyai/wasm-runtime/wasm"
	"go.uber.org/zap"
)

// ModuleLoader handles loading and compiling Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes(ctx context.Context) ([]byte, error)

	// Name returns a name/identifier for this module.
	Name() string

	// Size returns the size in bytes, or 0 if not known yet.
	Size() int64
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	Path string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes(_ context.Context) ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the file path as the module name.
func (f *FileModuleSource) Name() string {
	return f.Path
}

// Size returns the file size.
func (f *FileModuleSource) Size() int64 {
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes(_ context.Context) ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// Size returns the data size.
func (m *MemoryModuleSource) Size() int64 {
	return int64(len(m.Data))
}

// Getter fetches a resource by URL.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// URLModuleSource downloads Wasm over the network.
type URLModuleSource struct {
	URL    string
	Getter Getter

	size int64
}

// Bytes downloads the module.
func (u *URLModuleSource) Bytes(ctx context.Context) ([]byte, error) {
	data, err := u.Getter.Get(ctx, u.URL)
	if err != nil {
		return nil, err
	}
	u.size = int64(len(data))
	return data, nil
}

// Name returns the URL as the module name.
func (u *URLModuleSource) Name() string {
	return u.URL
}

// Size returns the downloaded size, 0 before the first download.
func (u *URLModuleSource) Size() int64 {
	return u.size
}

// LoadModule loads a Wasm module from a source.
// Compiles it if not already cached.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	// Check cache first
	if cached, ok := l.runtime.GetCompiledModule(source.Name()); ok {
		l.logger.Debug("Module cache hit",
			zap.String("module", source.Name()),
		)
		return cached, nil
	}

	// Load Wasm bytes
	wasmBytes, err := source.Bytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Name(), err)
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	// CompileModule decodes and validates the binary; this is the expensive
	// step and is only done once per module.
	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	duration := time.Since(startTime)

	compiledModule := &CompiledModule{
		Module:       compiled,
		Name:         source.Name(),
		Source:       source.Name(),
		SizeBytes:    int64(len(wasmBytes)),
		OtherImports: l.otherImports(source.Name(), wasmBytes),
		CompiledAt:   time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", duration),
		zap.Int("imported_functions", len(compiled.ImportedFunctions())),
		zap.Int("exported_functions", len(compiled.ExportedFunctions())),
	)

	return compiledModule, nil
}

// otherImports lists table, global and tag imports, which wazero's compiled
// module does not expose. Parsing is best effort: wazero already validated
// the binary, so a parse failure only skips this check.
func (l *ModuleLoader) otherImports(name string, wasmBytes []byte) []ImportRef {
	parsed, err := wasmbin.ParseModule(wasmBytes)
	if err != nil {
		l.logger.Debug("Skipping import scan",
			zap.String("module", name),
			zap.Error(err),
		)
		return nil
	}

	var refs []ImportRef
	for _, imp := range parsed.Imports {
		var kind string
		switch imp.Desc.Kind {
		case wasmbin.KindTable:
			kind = "table"
		case wasmbin.KindGlobal:
			kind = "global"
		case wasmbin.KindTag:
			kind = "tag"
		default:
			continue
		}
		refs = append(refs, ImportRef{Namespace: imp.Module, Name: imp.Name, Kind: kind})
	}
	return refs
}
