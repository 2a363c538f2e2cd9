package wasm

import (
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
)

// MemoryOptions configures the linear memory offered to guests that import
// their memory.
type MemoryOptions struct {
	InitialPages uint32
	MaximumPages uint32

	// Namespace the memory is exported under (the name is always "memory").
	Namespace string
}

// MemoryImport describes a guest's memory import.
type MemoryImport struct {
	Namespace string
	Name      string
	Min       uint32
	Max       uint32
	HasMax    bool
}

// ImportedMemory returns the memory import of compiled, if any.
func ImportedMemory(compiled *CompiledModule) (MemoryImport, bool) {
	for _, def := range compiled.Module.ImportedMemories() {
		ns, name, _ := def.Import()
		max, hasMax := def.Max()
		return MemoryImport{Namespace: ns, Name: name, Min: def.Min(), Max: max, HasMax: hasMax}, true
	}
	return MemoryImport{}, false
}

// ValidateImports checks that table satisfies every import of compiled before
// anything is instantiated. Unknown or mistyped imports produce an
// UnsatisfiedImportError listing all of them. Imports that only differ from
// the host in pointer width, and memory limits the host cannot honour,
// produce a ConfigurationError.
func ValidateImports(compiled *CompiledModule, table HostFunctionTable, width memory.AddressWidth, opts MemoryOptions) error {
	var missing []ImportRef

	for _, def := range compiled.Module.ImportedFunctions() {
		ns, name, _ := def.Import()
		ref := ImportRef{Namespace: ns, Name: name, Kind: "func"}

		fn, ok := table.Lookup(ns, name)
		if !ok {
			if _, known := table[ns]; !known {
				ref.Reason = "unknown namespace"
			}
			missing = append(missing, ref)
			continue
		}

		wantParams := valueTypes(fn.Params, width)
		wantResults := valueTypes(fn.Results, width)
		if slices.Equal(wantParams, def.ParamTypes()) && slices.Equal(wantResults, def.ResultTypes()) {
			continue
		}

		other := memory.Width32
		if width == memory.Width32 {
			other = memory.Width64
		}
		if slices.Equal(valueTypes(fn.Params, other), def.ParamTypes()) &&
			slices.Equal(valueTypes(fn.Results, other), def.ResultTypes()) {
			return &ConfigurationError{
				Field: "abi.address_width",
				Message: fmt.Sprintf("import %s.%s expects %d-byte pointers, host is configured for %d",
					ns, name, other.Bytes(), width.Bytes()),
			}
		}

		ref.Reason = fmt.Sprintf("signature %s, host provides %s",
			signature(def.ParamTypes(), def.ResultTypes()), signature(wantParams, wantResults))
		missing = append(missing, ref)
	}

	if imp, ok := ImportedMemory(compiled); ok {
		if imp.Namespace != opts.Namespace || imp.Name != memory.ExportName {
			missing = append(missing, ImportRef{
				Namespace: imp.Namespace,
				Name:      imp.Name,
				Kind:      "memory",
				Reason:    fmt.Sprintf("host provides %s.%s", opts.Namespace, memory.ExportName),
			})
		} else {
			if opts.InitialPages < imp.Min {
				return &ConfigurationError{
					Field:   "memory.initial_pages",
					Message: fmt.Sprintf("module requires at least %d pages, host provides %d", imp.Min, opts.InitialPages),
				}
			}
			if imp.HasMax && opts.MaximumPages > imp.Max {
				return &ConfigurationError{
					Field:   "memory.maximum_pages",
					Message: fmt.Sprintf("module accepts at most %d pages, host ceiling is %d", imp.Max, opts.MaximumPages),
				}
			}
		}
	}

	for _, ref := range compiled.OtherImports {
		if ref.Reason == "" {
			ref.Reason = "not provided by host"
		}
		missing = append(missing, ref)
	}

	if len(missing) > 0 {
		return &UnsatisfiedImportError{ModuleName: compiled.Name, Missing: missing}
	}
	return nil
}

func signature(params, results []api.ValueType) string {
	s := "("
	for i, p := range params {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(p)
	}
	s += ")->("
	for i, r := range results {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(r)
	}
	return s + ")"
}
