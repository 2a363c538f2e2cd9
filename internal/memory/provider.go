package memory

import (
	wasmbin "github.com/wippyai/wasm-runtime/wasm"
)

// ExportName is the export name of the memory in a provider module.
const ExportName = "memory"

// ProviderModule encodes a module that only defines and exports a memory with
// the given limits. Instantiated under the memory namespace before the guest,
// it is the host-created linear memory that guests import.
func ProviderModule(initialPages, maxPages uint32) []byte {
	max := uint64(maxPages)
	m := &wasmbin.Module{
		Memories: []wasmbin.MemoryType{{
			Limits: wasmbin.Limits{Min: uint64(initialPages), Max: &max},
		}},
		Exports: []wasmbin.Export{{
			Name: ExportName,
			Kind: wasmbin.KindMemory,
			Idx:  0,
		}},
	}
	return m.Encode()
}
