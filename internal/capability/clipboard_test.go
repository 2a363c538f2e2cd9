package capability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

const clipboardGuest = `(module
	(import "odin_dom" "copy_to_clipboard" (func $copy (param i32 i32)))
	(import "odin_dom" "get_clipboard_text" (func $get (param i32) (result i32)))
	(memory (export "memory") 1)` + bumpAllocator + `
	(func (export "copy") (param $p i32) (param $n i32)
		(call $copy (local.get $p) (local.get $n)))
	(func (export "get") (param $at i32) (result i32)
		(call $get (local.get $at)))
	(func (export "copy_then_get") (param $p i32) (param $n i32) (param $at i32) (result i32)
		(call $copy (local.get $p) (local.get $n))
		(call $get (local.get $at))))`

func newClipboardHarness(t *testing.T, cb Clipboard) (*harness, *ClipboardProvider, *wasm.Instance) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	provider := NewClipboardProvider(cb, logger)
	ns, err := DOM(NewFetchProvider(&stubFetcher{}, logger), provider)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, memory.ResultLayout{Width: memory.Width32, StatusByte: true}, ns)
	return h, provider, h.load(t, clipboardGuest)
}

func readClipboardResult(t *testing.T, h *harness, inst *wasm.Instance, at memory.Pointer) (memory.PendingResult, string) {
	t.Helper()
	rec := h.record(t, inst, at)
	if !rec.Done() {
		t.Fatal("clipboard read did not complete")
	}
	text, err := inst.Memory().ReadCString(uint32(rec.Pointer), rec.Length+1)
	if err != nil {
		t.Fatal(err)
	}
	if uint32(len(text)) != rec.Length {
		t.Errorf("NUL terminator at %d, want %d", len(text), rec.Length)
	}
	return rec, text
}

func TestClipboardReadReallocatesForLongerText(t *testing.T) {
	cb := NewMemoryClipboard("hi")
	h, provider, inst := newClipboardHarness(t, cb)

	mustCall(t, inst, "get", 256)
	h.settle(t)
	first, text := readClipboardResult(t, h, inst, 256)
	if text != "hi" {
		t.Fatalf("first read = %q, want hi", text)
	}
	if provider.Capacity() != 3 {
		t.Errorf("Capacity() = %d, want 3", provider.Capacity())
	}

	longer := "a considerably longer clipboard value"
	cb.WriteText(context.Background(), longer)

	// The bump allocator places the new buffer right after the old one; a
	// canary just past its end must survive the write.
	canary := uint32(first.Pointer) + 3 + uint32(len(longer)) + 1
	if err := inst.Memory().Write(canary, []byte{0xEE}); err != nil {
		t.Fatal(err)
	}

	mustCall(t, inst, "get", 512)
	h.settle(t)
	second, text := readClipboardResult(t, h, inst, 512)
	if text != longer {
		t.Fatalf("second read = %q, want %q", text, longer)
	}
	if second.Pointer != first.Pointer+3 {
		t.Errorf("Pointer = %d, want new buffer at %d", second.Pointer, first.Pointer+3)
	}
	if provider.Capacity() != uint32(len(longer))+1 {
		t.Errorf("Capacity() = %d, want %d", provider.Capacity(), len(longer)+1)
	}
	if freed := mustCall(t, inst, "freed")[0]; memory.Pointer(freed) != first.Pointer {
		t.Errorf("freed %d, want old buffer %d", freed, first.Pointer)
	}
	if b, _ := inst.Memory().Read(canary, 1); b[0] != 0xEE {
		t.Error("write overflowed the new buffer")
	}

	// Shorter text reuses the buffer.
	cb.WriteText(context.Background(), "short")
	mustCall(t, inst, "get", 768)
	h.settle(t)
	third, text := readClipboardResult(t, h, inst, 768)
	if text != "short" {
		t.Fatalf("third read = %q, want short", text)
	}
	if third.Pointer != second.Pointer {
		t.Errorf("Pointer = %d, want reused %d", third.Pointer, second.Pointer)
	}
}

func TestClipboardCopyThenGetRoundTrips(t *testing.T) {
	cb := NewMemoryClipboard("previous")
	h, _, inst := newClipboardHarness(t, cb)

	text := "copied from the guest"
	writeText(t, inst, 1024, text)
	mustCall(t, inst, "copy_then_get", 1024, uint64(len(text)), 256)
	h.settle(t)

	_, got := readClipboardResult(t, h, inst, 256)
	if got != text {
		t.Errorf("read back %q, want %q", got, text)
	}
	if stored, _ := cb.ReadText(context.Background()); stored != text {
		t.Errorf("clipboard holds %q, want %q", stored, text)
	}
}

type deniedClipboard struct{}

func (deniedClipboard) ReadText(context.Context) (string, error) {
	return "", errors.New("permission denied")
}

func (deniedClipboard) WriteText(context.Context, string) error {
	return errors.New("permission denied")
}

func TestClipboardPermissionFailure(t *testing.T) {
	h, provider, inst := newClipboardHarness(t, deniedClipboard{})

	writeText(t, inst, 1024, "x")
	if _, err := inst.Call(context.Background(), "copy", 1024, 1); err != nil {
		t.Fatalf("a failed clipboard write must not fail the guest call: %v", err)
	}
	mustCall(t, inst, "get", 256)
	h.settle(t)

	rec := h.record(t, inst, 256)
	if !rec.Done() || rec.Length != 0 || !rec.Failed() {
		t.Errorf("record = %+v, want failed sentinel", rec)
	}
	if provider.Capacity() != 0 {
		t.Errorf("Capacity() = %d, want 0 after a failed read", provider.Capacity())
	}
}

func TestClipboardCopyOutOfBounds(t *testing.T) {
	_, _, inst := newClipboardHarness(t, NewMemoryClipboard(""))

	_, err := inst.Call(context.Background(), "copy", 65535, 10)
	var bounds *memory.BoundsError
	if !errors.As(err, &bounds) {
		t.Fatalf("Call() error = %v, want BoundsError", err)
	}
}

func TestClipboardProvidersAreIndependent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := NewClipboardProvider(NewMemoryClipboard(""), logger)
	b := NewClipboardProvider(NewMemoryClipboard(""), logger)

	a.capacity = 64
	if b.Capacity() != 0 {
		t.Error("capacity leaked between providers")
	}
}

func TestClipboardInvalidReadDoesNotBlockLaterOperations(t *testing.T) {
	h, _, inst := newClipboardHarness(t, NewMemoryClipboard("still here"))

	_, err := inst.Call(context.Background(), "get", 65535)
	var bounds *memory.BoundsError
	if !errors.As(err, &bounds) {
		t.Fatalf("Call(get) error = %v, want BoundsError", err)
	}

	writeText(t, inst, 1024, "next")
	mustCall(t, inst, "copy_then_get", 1024, 4, 256)
	h.settle(t)

	_, text := readClipboardResult(t, h, inst, 256)
	if text != "next" {
		t.Errorf("read back %q, want next", text)
	}
}

func TestClipboardAfterSchedulerClose(t *testing.T) {
	h, _, inst := newClipboardHarness(t, NewMemoryClipboard("x"))
	h.scheduler.Close()

	writeText(t, inst, 1024, "late")
	if _, err := inst.Call(context.Background(), "copy", 1024, 4); err != nil {
		t.Fatalf("copy after close should be dropped quietly: %v", err)
	}
	_, err := inst.Call(context.Background(), "get", 256)
	if !errors.Is(err, wasm.ErrSchedulerClosed) {
		t.Fatalf("Call(get) error = %v, want ErrSchedulerClosed", err)
	}
	// The dropped operations must not leave anything behind for Close.
	if !h.scheduler.Idle() {
		t.Error("scheduler not idle after dropped operations")
	}
}
