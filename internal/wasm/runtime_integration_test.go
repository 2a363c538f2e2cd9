package wasm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/wippyai/wasm-runtime/wat"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
)

// minimalWasm is a valid Wasm 1.0 module with no sections.
func minimalWasm() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6d, // Magic number: \0asm
		0x01, 0x00, 0x00, 0x00, // Version: 1
	}
}

func compileWAT(t *testing.T, src string) []byte {
	t.Helper()
	bin, err := wat.Compile(src)
	if err != nil {
		t.Fatalf("Failed to compile guest: %v", err)
	}
	return bin
}

type testHost struct {
	runtime    *Runtime
	scheduler  *Scheduler
	dispatcher *Dispatcher
	loader     *Loader
}

func newTestHost(t *testing.T, width memory.AddressWidth) *testHost {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, &RuntimeConfig{InitialPages: 1, MaximumPages: 16})
	if err != nil {
		t.Fatal(err)
	}
	scheduler := NewScheduler(logger)
	t.Cleanup(func() {
		scheduler.Close()
		runtime.Close(ctx)
	})

	entry := DefaultEntryPoints()
	dispatcher := NewDispatcher(DispatcherConfig{
		Layout:   memory.ResultLayout{Width: width},
		MaxPages: 16,
		Malloc:   entry.Malloc,
		Free:     entry.Free,
	}, scheduler, logger)

	return &testHost{
		runtime:    runtime,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		loader:     NewLoader(runtime, dispatcher, entry, logger),
	}
}

func (h *testHost) load(t *testing.T, name string, bin []byte) (*Instance, error) {
	t.Helper()
	return h.loader.Load(context.Background(), &LoadOptions{
		Source:     &MemoryModuleSource{ModuleName: name, Data: bin},
		InstanceID: name,
	})
}

func (h *testHost) mustRegister(t *testing.T, ns, name string, fn *HostFunc) {
	t.Helper()
	if err := h.dispatcher.Register(ns, name, fn); err != nil {
		t.Fatalf("Register(%s.%s) failed: %v", ns, name, err)
	}
}

func TestLoadModuleMemorySource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)

	module, err := loader.LoadModule(ctx, &MemoryModuleSource{ModuleName: "test-module", Data: minimalWasm()})
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	if module.Name != "test-module" {
		t.Errorf("Module name = %s, want 'test-module'", module.Name)
	}

	// Test caching - load again should hit cache.
	module2, err := loader.LoadModule(ctx, &MemoryModuleSource{ModuleName: "test-module", Data: minimalWasm()})
	if err != nil {
		t.Fatalf("Failed to load module from cache: %v", err)
	}
	if module2 != module {
		t.Error("Cache should return the same module instance")
	}
}

func TestModuleLoaderFileSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	wasmFile := filepath.Join(t.TempDir(), "test.wasm")
	if err := os.WriteFile(wasmFile, minimalWasm(), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loader := NewModuleLoader(runtime, logger)
	module, err := loader.LoadModule(ctx, &FileModuleSource{Path: wasmFile})
	if err != nil {
		t.Fatalf("Failed to load module from file: %v", err)
	}
	if module.SizeBytes != 8 {
		t.Errorf("SizeBytes = %d, want 8", module.SizeBytes)
	}
}

type stubGetter struct {
	data  []byte
	calls int
}

func (g *stubGetter) Get(_ context.Context, _ string) ([]byte, error) {
	g.calls++
	return g.data, nil
}

func TestURLModuleSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	getter := &stubGetter{data: minimalWasm()}
	source := &URLModuleSource{URL: "https://example.invalid/app.wasm", Getter: getter}

	loader := NewModuleLoader(runtime, logger)
	if _, err := loader.LoadModule(ctx, source); err != nil {
		t.Fatalf("LoadModule() failed: %v", err)
	}
	if _, err := loader.LoadModule(ctx, source); err != nil {
		t.Fatal(err)
	}
	if getter.calls != 1 {
		t.Errorf("module downloaded %d times, want 1", getter.calls)
	}
	if source.Size() != 8 {
		t.Errorf("Size() = %d, want 8", source.Size())
	}
}

func TestLoadModuleCompilationError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)
	_, err = loader.LoadModule(ctx, &MemoryModuleSource{ModuleName: "broken", Data: []byte("not wasm")})
	if _, ok := err.(*CompilationError); !ok {
		t.Fatalf("error = %v, want CompilationError", err)
	}
}

func TestLoadCallsHostFunction(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	h.mustRegister(t, "host", "add", &HostFunc{
		Params:     []ValueKind{KindI32, KindI32},
		Results:    []ValueKind{KindI32},
		ParamNames: []string{"a", "b"},
		Handler: func(_ context.Context, call *Call) (uint64, error) {
			return uint64(call.U32(0) + call.U32(1)), nil
		},
	})

	inst, err := h.load(t, "adder", compileWAT(t, `(module
		(import "host" "add" (func $add (param i32 i32) (result i32)))
		(func (export "run") (result i32)
			(call $add (i32.const 40) (i32.const 2))))`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	defer inst.Close(context.Background())

	results, err := inst.Call(context.Background(), "run")
	if err != nil {
		t.Fatalf("Call(run) failed: %v", err)
	}
	if results[0] != 42 {
		t.Errorf("run() = %d, want 42", results[0])
	}

	if diff := cmp.Diff([]string{"run"}, inst.Exports()); diff != "" {
		t.Errorf("Exports() mismatch (-want +got):\n%s", diff)
	}
}

// markerGuest runs a start section that reports to the host, so instantiation
// is observable.
const markerGuest = `(module
	(import "host" "mark" (func $mark))
	(import "odin_dom" "fetch" (func $fetch (param i32 i32 i32) (result i32)))
	(func $init (call $mark))
	(start $init))`

func registerMarker(t *testing.T, h *testHost, counter *atomic.Int32) {
	h.mustRegister(t, "host", "mark", &HostFunc{
		Handler: func(context.Context, *Call) (uint64, error) {
			counter.Add(1)
			return 0, nil
		},
	})
}

func TestLoadUnsatisfiedImportRunsNoGuestCode(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	var marks atomic.Int32
	registerMarker(t, h, &marks)

	_, err := h.load(t, "marker", compileWAT(t, markerGuest))

	var unsatisfied *UnsatisfiedImportError
	if !errors.As(err, &unsatisfied) {
		t.Fatalf("Load() error = %v, want UnsatisfiedImportError", err)
	}
	want := []ImportRef{{Namespace: "odin_dom", Name: "fetch", Kind: "func", Reason: "unknown namespace"}}
	if diff := cmp.Diff(want, unsatisfied.Missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
	if marks.Load() != 0 {
		t.Errorf("guest code ran %d times before failing, want 0", marks.Load())
	}
	if h.runtime.runtime.Module("host") != nil {
		t.Error("host namespace was instantiated for a rejected module")
	}
}

func TestLoadSatisfiedImportsRunsStartSection(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	var marks atomic.Int32
	registerMarker(t, h, &marks)
	h.mustRegister(t, "odin_dom", "fetch", &HostFunc{
		Params:  []ValueKind{KindPointer, KindSize, KindPointer},
		Results: []ValueKind{KindPointer},
		Handler: func(context.Context, *Call) (uint64, error) { return 0, nil },
	})

	inst, err := h.load(t, "marker", compileWAT(t, markerGuest))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	defer inst.Close(context.Background())

	if marks.Load() != 1 {
		t.Errorf("start section ran %d times, want 1", marks.Load())
	}
}

func TestLoadAddressWidthMismatch(t *testing.T) {
	h := newTestHost(t, memory.Width64)
	h.mustRegister(t, "odin_dom", "fetch", &HostFunc{
		Params:  []ValueKind{KindPointer, KindSize, KindPointer},
		Results: []ValueKind{KindPointer},
		Handler: func(context.Context, *Call) (uint64, error) { return 0, nil },
	})

	_, err := h.load(t, "narrow", compileWAT(t, `(module
		(import "odin_dom" "fetch" (func (param i32 i32 i32) (result i32))))`))

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want ConfigurationError", err)
	}
	if cfgErr.Field != "abi.address_width" {
		t.Errorf("Field = %q, want abi.address_width", cfgErr.Field)
	}
}

func TestLoadSignatureMismatch(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	h.mustRegister(t, "host", "add", &HostFunc{
		Params:  []ValueKind{KindI32, KindI32},
		Results: []ValueKind{KindI32},
		Handler: func(context.Context, *Call) (uint64, error) { return 0, nil },
	})

	_, err := h.load(t, "wrong", compileWAT(t, `(module
		(import "host" "add" (func (param f64) (result i32))))`))

	var unsatisfied *UnsatisfiedImportError
	if !errors.As(err, &unsatisfied) {
		t.Fatalf("Load() error = %v, want UnsatisfiedImportError", err)
	}
	if got := unsatisfied.Missing[0].Reason; got != "signature (f64)->(i32), host provides (i32,i32)->(i32)" {
		t.Errorf("Reason = %q", got)
	}
}

func TestLoadRejectsTableAndGlobalImports(t *testing.T) {
	h := newTestHost(t, memory.Width32)

	_, err := h.load(t, "others", compileWAT(t, `(module
		(import "env" "table" (table 1 funcref))
		(import "env" "g" (global i32)))`))

	var unsatisfied *UnsatisfiedImportError
	if !errors.As(err, &unsatisfied) {
		t.Fatalf("Load() error = %v, want UnsatisfiedImportError", err)
	}
	kinds := make([]string, len(unsatisfied.Missing))
	for i, ref := range unsatisfied.Missing {
		kinds[i] = ref.Kind
	}
	if diff := cmp.Diff([]string{"table", "global"}, kinds); diff != "" {
		t.Errorf("missing kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadImportedMemory(t *testing.T) {
	h := newTestHost(t, memory.Width32)

	inst, err := h.loader.Load(context.Background(), &LoadOptions{
		Source: &MemoryModuleSource{ModuleName: "importer", Data: compileWAT(t, `(module
			(import "env" "memory" (memory 1))
			(func (export "peek") (param i32) (result i32)
				(i32.load8_u (local.get 0))))`)},
		Memory: MemoryOptions{InitialPages: 2, MaximumPages: 4, Namespace: "env"},
	})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	defer inst.Close(context.Background())

	mem := inst.Memory()
	if mem.Pages() != 2 {
		t.Errorf("Pages() = %d, want 2", mem.Pages())
	}
	if mem.MaxPages() != 4 {
		t.Errorf("MaxPages() = %d, want 4", mem.MaxPages())
	}

	// The host and the guest see the same memory.
	if err := mem.Write(70000, []byte{0x7f}); err != nil {
		t.Fatal(err)
	}
	results, err := inst.Call(context.Background(), "peek", 70000)
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != 0x7f {
		t.Errorf("guest read %#x, want 0x7f", results[0])
	}

	if _, err := mem.Grow(3); err == nil {
		t.Error("Grow() beyond the provider ceiling should fail")
	}
}

func TestClosedInstanceDetachesImportedMemory(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	h.mustRegister(t, "host", "peek", &HostFunc{
		Params:  []ValueKind{KindPointer, KindSize},
		Results: []ValueKind{KindI32},
		Handler: func(_ context.Context, call *Call) (uint64, error) {
			b, err := call.Bytes(0, 1)
			if err != nil {
				return 0, err
			}
			return uint64(b[0]), nil
		},
	})
	ctx := context.Background()

	importer, err := h.loader.Load(ctx, &LoadOptions{
		Source: &MemoryModuleSource{ModuleName: "importer", Data: compileWAT(t, `(module
			(import "env" "memory" (memory 1))
			(import "host" "peek" (func $peek (param i32 i32) (result i32)))
			(func (export "peek") (result i32) (call $peek (i32.const 16) (i32.const 1))))`)},
		InstanceID: "importer",
		Memory:     MemoryOptions{InitialPages: 1, MaximumPages: 4, Namespace: "env"},
	})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := importer.Call(ctx, "peek"); err != nil {
		t.Fatalf("Call(peek) failed: %v", err)
	}
	if err := importer.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// A later guest without memory must not reach the closed provider memory.
	bare, err := h.load(t, "bare", compileWAT(t, `(module
		(import "host" "peek" (func $peek (param i32 i32) (result i32)))
		(func (export "peek") (result i32) (call $peek (i32.const 16) (i32.const 1))))`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	defer bare.Close(ctx)

	if _, err := bare.Call(ctx, "peek"); !errors.Is(err, errNoMemory) {
		t.Errorf("Call(peek) error = %v, want errNoMemory", err)
	}
}

func TestLoadImportedMemoryTooSmall(t *testing.T) {
	h := newTestHost(t, memory.Width32)

	_, err := h.loader.Load(context.Background(), &LoadOptions{
		Source: &MemoryModuleSource{ModuleName: "big", Data: compileWAT(t, `(module
			(import "env" "memory" (memory 8)))`)},
		Memory: MemoryOptions{InitialPages: 2, MaximumPages: 16, Namespace: "env"},
	})

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want ConfigurationError", err)
	}
	if cfgErr.Field != "memory.initial_pages" {
		t.Errorf("Field = %q, want memory.initial_pages", cfgErr.Field)
	}
}

func TestLoadOverrides(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	h.mustRegister(t, "host", "value", &HostFunc{
		Results: []ValueKind{KindI32},
		Handler: func(context.Context, *Call) (uint64, error) { return 1, nil },
	})
	guest := compileWAT(t, `(module
		(import "host" "value" (func $value (result i32)))
		(func (export "run") (result i32) (call $value)))`)

	_, err := h.loader.Load(context.Background(), &LoadOptions{
		Source:    &MemoryModuleSource{ModuleName: "omit", Data: guest},
		Overrides: ImportOverrides{Omit: []string{"host"}},
	})
	var unsatisfied *UnsatisfiedImportError
	if !errors.As(err, &unsatisfied) {
		t.Fatalf("Load() with omitted namespace error = %v, want UnsatisfiedImportError", err)
	}

	replacement := NewNamespace("host")
	if err := replacement.Add("value", &HostFunc{
		Results: []ValueKind{KindI32},
		Handler: func(context.Context, *Call) (uint64, error) { return 7, nil },
	}); err != nil {
		t.Fatal(err)
	}

	inst, err := h.loader.Load(context.Background(), &LoadOptions{
		Source:    &MemoryModuleSource{ModuleName: "replace", Data: guest},
		Overrides: ImportOverrides{Replace: map[string]*Namespace{"host": replacement}},
	})
	if err != nil {
		t.Fatalf("Load() with replaced namespace failed: %v", err)
	}
	defer inst.Close(context.Background())

	results, err := inst.Call(context.Background(), "run")
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != 7 {
		t.Errorf("run() = %d, want replacement value 7", results[0])
	}
}

func TestRegisterDuplicate(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	fn := &HostFunc{Handler: func(context.Context, *Call) (uint64, error) { return 0, nil }}
	h.mustRegister(t, "host", "f", fn)

	err := h.dispatcher.Register("host", "f", fn)
	if _, ok := err.(*DuplicateFunctionError); !ok {
		t.Fatalf("Register() error = %v, want DuplicateFunctionError", err)
	}
}

func TestHostErrorAbortsGuestCall(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	h.mustRegister(t, "odin_env", "trap", &HostFunc{
		Handler: func(context.Context, *Call) (uint64, error) {
			return 0, &GuestTrapError{FunctionName: "odin_env.trap", Reason: "unreachable state"}
		},
	})

	inst, err := h.load(t, "trapper", compileWAT(t, `(module
		(import "odin_env" "trap" (func $trap))
		(func (export "run") (call $trap)))`))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())

	_, err = inst.Call(context.Background(), "run")
	var trap *GuestTrapError
	if !errors.As(err, &trap) {
		t.Fatalf("Call() error = %v, want GuestTrapError", err)
	}

	if _, err := inst.Call(context.Background(), "missing"); err == nil {
		t.Error("Call() of a missing export should fail")
	} else if _, ok := err.(*FunctionNotFoundError); !ok {
		t.Errorf("error = %v, want FunctionNotFoundError", err)
	}
}

// registerLater registers host.later(result_ptr) -> result_ptr. Its work
// waits for release and then publishes "ABC" stored at offset 512.
func registerLater(t *testing.T, h *testHost, release <-chan struct{}) {
	h.mustRegister(t, "host", "later", &HostFunc{
		Params:  []ValueKind{KindPointer},
		Results: []ValueKind{KindPointer},
		Handler: func(ctx context.Context, call *Call) (uint64, error) {
			at := call.Pointer(0)
			return call.Defer(ctx, at, func(context.Context) Completion {
				<-release
				return func(context.Context) {
					if err := call.Memory.Write(512, []byte("ABC")); err != nil {
						t.Errorf("payload write failed: %v", err)
						return
					}
					if err := call.Layout.Complete(call.Memory, at, 512, 3); err != nil {
						t.Errorf("Complete() failed: %v", err)
					}
				}
			})
		},
	})
}

const laterGuest = `(module
	(import "host" "later" (func $later (param i32) (result i32)))
	(memory (export "memory") 1)
	(func (export "request") (result i32)
		(i32.store8 (i32.const 256) (i32.const 9))
		(call $later (i32.const 256)))
	(func (export "poll") (result i32)
		(i32.load8_u (i32.const 256))))`

func TestDeferredCompletionAppliedAtTurnBoundary(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	release := make(chan struct{})
	registerLater(t, h, release)

	inst, err := h.load(t, "later", compileWAT(t, laterGuest))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())
	ctx := context.Background()

	results, err := inst.Call(ctx, "request")
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != 256 {
		t.Errorf("request() = %d, want the record pointer 256", results[0])
	}

	// The record was reset even though the guest left a byte there.
	if res, _ := inst.Call(ctx, "poll"); res[0] != 0 {
		t.Errorf("flag before completion = %d, want 0", res[0])
	}

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.scheduler.Wait(waitCtx); err != nil {
		t.Fatal(err)
	}

	// Work has finished, but nothing is published until the next turn.
	layout := h.dispatcher.Layout()
	if done, _ := layout.Poll(inst.Memory(), 256); done {
		t.Fatal("completion applied outside a turn boundary")
	}

	res, err := inst.Call(ctx, "poll")
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 1 {
		t.Fatalf("flag after turn boundary = %d, want 1", res[0])
	}

	record, err := layout.Load(inst.Memory(), 256)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := inst.Memory().Read(uint32(record.Pointer), record.Length)
	if string(payload) != "ABC" {
		t.Errorf("payload = %q, want ABC", payload)
	}
}

func TestRunWithoutStepDrainsUntilIdle(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	release := make(chan struct{})
	close(release)
	registerLater(t, h, release)

	inst, err := h.load(t, "starter", compileWAT(t, `(module
		(import "host" "later" (func $later (param i32) (result i32)))
		(memory (export "memory") 1)
		(func (export "_start")
			(drop (call $later (i32.const 64)))))`))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if done, _ := h.dispatcher.Layout().Poll(inst.Memory(), 64); !done {
		t.Error("Run() returned before the deferred operation completed")
	}
	if !h.scheduler.Idle() {
		t.Error("scheduler should be idle after Run()")
	}
}

const frameGuest = `(module
	(global $frames (mut i32) (i32.const 0))
	(global $started (mut i32) (i32.const 0))
	(global $limit (mut i32) (i32.const 3))
	(func (export "_start") (global.set $started (i32.const 1)))
	(func (export "step") (param $dt f64) (result i32)
		(global.set $frames (i32.add (global.get $frames) (i32.const 1)))
		(i32.lt_u (global.get $frames) (global.get $limit)))
	(func (export "set_limit") (param i32) (global.set $limit (local.get 0)))
	(func (export "frames") (result i32) (global.get $frames))
	(func (export "started") (result i32) (global.get $started)))`

func TestRunStopsWhenStepReturnsZero(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	inst, err := h.load(t, "frames", compileWAT(t, frameGuest))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Run(ctx, RunOptions{TickInterval: time.Millisecond}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res, _ := inst.Call(ctx, "frames"); res[0] != 3 {
		t.Errorf("frames = %d, want 3", res[0])
	}
	if res, _ := inst.Call(ctx, "started"); res[0] != 1 {
		t.Error("_start was not called")
	}
}

func TestRunMaxFrames(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	inst, err := h.load(t, "bounded", compileWAT(t, frameGuest))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := inst.Call(ctx, "set_limit", 1000); err != nil {
		t.Fatal(err)
	}
	if err := inst.Run(ctx, RunOptions{TickInterval: time.Millisecond, MaxFrames: 5}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res, _ := inst.Call(ctx, "frames"); res[0] != 5 {
		t.Errorf("frames = %d, want 5", res[0])
	}
}

func TestRunCancelled(t *testing.T) {
	h := newTestHost(t, memory.Width32)
	inst, err := h.load(t, "endless", compileWAT(t, frameGuest))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())

	if _, err := inst.Call(context.Background(), "set_limit", 1<<30); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = inst.Run(ctx, RunOptions{TickInterval: time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
}
