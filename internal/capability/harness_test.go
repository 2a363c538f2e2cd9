package capability

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/wasm-runtime/wat"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

type harness struct {
	scheduler  *wasm.Scheduler
	dispatcher *wasm.Dispatcher
	loader     *wasm.Loader
}

func newHarness(t *testing.T, layout memory.ResultLayout, namespaces ...*wasm.Namespace) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{InitialPages: 1, MaximumPages: 16})
	if err != nil {
		t.Fatal(err)
	}
	scheduler := wasm.NewScheduler(logger)
	t.Cleanup(func() {
		scheduler.Close()
		runtime.Close(ctx)
	})

	entry := wasm.DefaultEntryPoints()
	dispatcher := wasm.NewDispatcher(wasm.DispatcherConfig{
		Layout:   layout,
		MaxPages: 16,
		Malloc:   entry.Malloc,
		Free:     entry.Free,
	}, scheduler, logger)

	for _, ns := range namespaces {
		if err := dispatcher.RegisterNamespace(ns); err != nil {
			t.Fatalf("RegisterNamespace(%s) failed: %v", ns.Name, err)
		}
	}

	return &harness{
		scheduler:  scheduler,
		dispatcher: dispatcher,
		loader:     wasm.NewLoader(runtime, dispatcher, entry, logger),
	}
}

func (h *harness) load(t *testing.T, src string) *wasm.Instance {
	t.Helper()
	bin, err := wat.Compile(src)
	if err != nil {
		t.Fatalf("Failed to compile guest: %v", err)
	}
	inst, err := h.loader.Load(context.Background(), &wasm.LoadOptions{
		Source:     &wasm.MemoryModuleSource{ModuleName: t.Name(), Data: bin},
		InstanceID: t.Name(),
	})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

// settle drives the scheduler until no work or completion is left.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		h.scheduler.Drain(ctx)
		if h.scheduler.Idle() {
			return
		}
		if err := h.scheduler.Wait(ctx); err != nil {
			t.Fatalf("deferred work did not settle: %v", err)
		}
	}
}

func (h *harness) record(t *testing.T, inst *wasm.Instance, at memory.Pointer) memory.PendingResult {
	t.Helper()
	rec, err := h.dispatcher.Layout().Load(inst.Memory(), at)
	if err != nil {
		t.Fatalf("Load(record) failed: %v", err)
	}
	return rec
}

func mustCall(t *testing.T, inst *wasm.Instance, name string, args ...uint64) []uint64 {
	t.Helper()
	res, err := inst.Call(context.Background(), name, args...)
	if err != nil {
		t.Fatalf("Call(%s) failed: %v", name, err)
	}
	return res
}

func writeText(t *testing.T, inst *wasm.Instance, at uint32, s string) {
	t.Helper()
	if err := inst.Memory().Write(at, []byte(s)); err != nil {
		t.Fatal(err)
	}
}

// bumpAllocator is a guest malloc/free pair that never reuses memory and
// records the last freed pointer.
const bumpAllocator = `
	(global $next (mut i32) (i32.const 4096))
	(global $freed (mut i32) (i32.const 0))
	(func (export "malloc") (param $n i32) (result i32)
		(local $p i32)
		(local.set $p (global.get $next))
		(global.set $next (i32.add (global.get $next) (local.get $n)))
		(local.get $p))
	(func (export "free") (param $p i32)
		(global.set $freed (local.get $p)))
	(func (export "freed") (result i32) (global.get $freed))`
