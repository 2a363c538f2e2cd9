package wasm

import (
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
)

// binding is the memory view and allocator host calls use for one guest.
type binding struct {
	mem   *memory.LinearMemory
	alloc memory.Allocator
}

// binder resolves the binding of the module that made a host call.
//
// A guest that imports its memory shares the attached LinearMemory, so the
// host side growth ceiling is the provider's. A guest that defines its own
// memory is wrapped on first use. Allocation goes through the guest's
// malloc/free exports when it has them and through a host arena otherwise.
type binder struct {
	mu       sync.Mutex
	config   DispatcherConfig
	attached *memory.LinearMemory
	bindings map[string]*binding
}

func newBinder(config DispatcherConfig) *binder {
	return &binder{
		config:   config,
		bindings: make(map[string]*binding),
	}
}

func (b *binder) attach(mem *memory.LinearMemory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = mem
}

func (b *binder) bind(mod api.Module) *binding {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.bindings[mod.Name()]; ok {
		return existing
	}

	mem := b.attached
	if mem == nil {
		raw := mod.Memory()
		if raw == nil {
			// No memory at all; handlers report errNoMemory.
			return &binding{}
		}
		maxPages := b.config.MaxPages
		if max, ok := raw.Definition().Max(); ok && (maxPages == 0 || max < maxPages) {
			maxPages = max
		}
		mem = memory.NewLinearMemory(raw, maxPages)
	}

	var alloc memory.Allocator
	if malloc := mod.ExportedFunction(b.config.Malloc); malloc != nil && b.config.Malloc != "" {
		var free api.Function
		if b.config.Free != "" {
			free = mod.ExportedFunction(b.config.Free)
		}
		alloc = memory.NewGuestAllocator(malloc, free, b.config.Layout.Width)
	} else {
		alloc = memory.NewArena(mem)
	}

	bound := &binding{mem: mem, alloc: alloc}
	b.bindings[mod.Name()] = bound
	return bound
}

func (b *binder) release(mod api.Module) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, mod.Name())
}
