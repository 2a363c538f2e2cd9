package bridge

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// ImportStatus describes one import and whether the host satisfies it.
type ImportStatus struct {
	Namespace string
	Name      string
	Kind      string
	Signature string
	Satisfied bool
	Reason    string
}

// Report describes a module against the current host configuration.
type Report struct {
	Module  string
	Size    int64
	Imports []ImportStatus
	Exports []string
	Memory  *wasm.MemoryImport

	// Set when the module cannot be loaded as configured.
	Problem error
}

// Inspect compiles source and checks its imports without instantiating it.
func (b *Bridge) Inspect(ctx context.Context, source wasm.ModuleSource) (*Report, error) {
	compiled, err := b.loader.Modules().LoadModule(ctx, source)
	if err != nil {
		return nil, err
	}
	table, err := b.table(compiled)
	if err != nil {
		return nil, err
	}

	report := &Report{Module: compiled.Name, Size: compiled.SizeBytes}

	problem := wasm.ValidateImports(compiled, table, b.dispatcher.Width(), wasm.MemoryOptions{
		InitialPages: b.cfg.Memory.InitialPages,
		MaximumPages: b.cfg.Memory.MaximumPages,
		Namespace:    b.cfg.Memory.Namespace,
	})
	report.Problem = problem

	unsatisfied := map[string]string{}
	var missing *wasm.UnsatisfiedImportError
	if errors.As(problem, &missing) {
		for _, ref := range missing.Missing {
			unsatisfied[ref.Kind+" "+ref.Namespace+"."+ref.Name] = ref.Reason
		}
	}
	status := func(kind, ns, name, sig string) ImportStatus {
		reason, bad := unsatisfied[kind+" "+ns+"."+name]
		return ImportStatus{Namespace: ns, Name: name, Kind: kind, Signature: sig, Satisfied: !bad, Reason: reason}
	}

	for _, def := range compiled.Module.ImportedFunctions() {
		ns, name, _ := def.Import()
		report.Imports = append(report.Imports, status("func", ns, name, signature(def)))
	}
	if mem, ok := wasm.ImportedMemory(compiled); ok {
		report.Memory = &mem
		report.Imports = append(report.Imports, status("memory", mem.Namespace, mem.Name, ""))
	}
	for _, ref := range compiled.OtherImports {
		report.Imports = append(report.Imports, status(ref.Kind, ref.Namespace, ref.Name, ""))
	}

	for name := range compiled.Module.ExportedFunctions() {
		report.Exports = append(report.Exports, name)
	}
	sort.Strings(report.Exports)

	b.logger.Debug("Module inspected",
		zap.String("module", compiled.Name),
		zap.Int("imports", len(report.Imports)),
		zap.Int("exports", len(report.Exports)),
		zap.Bool("loadable", problem == nil),
	)

	return report, nil
}

func signature(def api.FunctionDefinition) string {
	names := func(types []api.ValueType) string {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = api.ValueTypeName(t)
		}
		return strings.Join(parts, ",")
	}
	return "(" + names(def.ParamTypes()) + ")->(" + names(def.ResultTypes()) + ")"
}
