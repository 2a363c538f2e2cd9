package capability

import (
	"context"
	"sync"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// Clipboard is the clipboard service the provider talks to.
type Clipboard interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
}

// SystemClipboard uses the operating system clipboard.
type SystemClipboard struct{}

// ReadText reads the system clipboard.
func (SystemClipboard) ReadText(context.Context) (string, error) {
	return clipboard.ReadAll()
}

// WriteText writes the system clipboard.
func (SystemClipboard) WriteText(_ context.Context, text string) error {
	return clipboard.WriteAll(text)
}

// SystemClipboardSupported reports whether a system clipboard is available.
func SystemClipboardSupported() bool {
	return !clipboard.Unsupported
}

// MemoryClipboard is an in-process clipboard for headless hosts.
type MemoryClipboard struct {
	mu   sync.Mutex
	text string
}

// NewMemoryClipboard creates a clipboard holding text.
func NewMemoryClipboard(text string) *MemoryClipboard {
	return &MemoryClipboard{text: text}
}

// ReadText returns the stored text.
func (c *MemoryClipboard) ReadText(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

// WriteText replaces the stored text.
func (c *MemoryClipboard) WriteText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

// ClipboardProvider implements copy_to_clipboard and get_clipboard_text.
//
// Clipboard text is returned in a buffer owned by the provider and reused
// across reads. The buffer is reallocated when a read needs more than its
// capacity, so a later read may invalidate the pointer of an earlier one.
// Operations reach the clipboard in the order the guest issued them.
type ClipboardProvider struct {
	clipboard Clipboard
	logger    *zap.Logger

	// Result buffer, only touched by completions.
	buffer   memory.Pointer
	capacity uint32

	// Closed when the most recently issued operation has finished.
	mu   sync.Mutex
	last chan struct{}
}

// NewClipboardProvider creates a provider over cb.
func NewClipboardProvider(cb Clipboard, logger *zap.Logger) *ClipboardProvider {
	return &ClipboardProvider{
		clipboard: cb,
		logger:    logger.With(zap.String("component", "clipboard")),
	}
}

// Capacity returns the size of the current result buffer.
func (p *ClipboardProvider) Capacity() uint32 {
	return p.capacity
}

// CopyFunc returns copy_to_clipboard(text_ptr, text_len).
func (p *ClipboardProvider) CopyFunc() *wasm.HostFunc {
	return &wasm.HostFunc{
		Params:     []wasm.ValueKind{wasm.KindPointer, wasm.KindSize},
		ParamNames: []string{"text_ptr", "text_len"},
		Handler:    p.copy,
	}
}

// ReadFunc returns get_clipboard_text(result_ptr) -> result_ptr.
func (p *ClipboardProvider) ReadFunc() *wasm.HostFunc {
	return &wasm.HostFunc{
		Params:     []wasm.ValueKind{wasm.KindPointer},
		Results:    []wasm.ValueKind{wasm.KindPointer},
		ParamNames: []string{"result_ptr"},
		Handler:    p.read,
	}
}

// sequence returns a channel to wait on before running and one to close
// when done.
func (p *ClipboardProvider) sequence() (prev <-chan struct{}, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev = p.last
	done = make(chan struct{})
	p.last = done
	return prev, done
}

func (p *ClipboardProvider) copy(ctx context.Context, call *wasm.Call) (uint64, error) {
	text, err := call.String(0, 1)
	if err != nil {
		return 0, err
	}

	prev, done := p.sequence()
	accepted := call.Scheduler.Go(ctx, call.Name, func(ctx context.Context) wasm.Completion {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if err := p.clipboard.WriteText(ctx, text); err != nil {
			p.logger.Warn("Clipboard write failed", zap.Error(err))
		}
		return nil
	})
	if !accepted {
		// Nothing is accepted after this point, so no later operation waits.
		close(done)
	}
	return 0, nil
}

func (p *ClipboardProvider) read(ctx context.Context, call *wasm.Call) (uint64, error) {
	at := call.Pointer(0)
	if err := call.CheckResult(at); err != nil {
		return 0, err
	}

	prev, done := p.sequence()
	res, err := call.Defer(ctx, at, func(ctx context.Context) wasm.Completion {
		defer close(done)
		if prev != nil {
			<-prev
		}

		text, err := p.clipboard.ReadText(ctx)
		if err != nil {
			p.logger.Warn("Clipboard read failed", zap.Error(err))
			return func(context.Context) {
				if err := call.Layout.Fail(call.Memory, at); err != nil {
					p.logger.Error("Failed to publish clipboard failure", zap.Error(err))
				}
			}
		}
		return func(ctx context.Context) { p.publish(ctx, call, at, text) }
	})
	if err != nil {
		close(done)
	}
	return res, err
}

func (p *ClipboardProvider) publish(ctx context.Context, call *wasm.Call, at memory.Pointer, text string) {
	need := uint32(len(text)) + 1
	if need > p.capacity {
		if p.buffer != 0 {
			if err := call.Alloc.Free(ctx, p.buffer); err != nil {
				p.logger.Warn("Failed to free clipboard buffer", zap.Error(err))
			}
			p.buffer, p.capacity = 0, 0
		}

		ptr, err := call.Alloc.Alloc(ctx, need)
		if err != nil {
			p.logger.Error("Failed to allocate clipboard buffer",
				zap.Uint32("bytes", need),
				zap.Error(err),
			)
			if err := call.Layout.Fail(call.Memory, at); err != nil {
				p.logger.Error("Failed to publish clipboard failure", zap.Error(err))
			}
			return
		}
		p.buffer, p.capacity = ptr, need

		p.logger.Debug("Clipboard buffer reallocated",
			zap.Uint32("pointer", uint32(ptr)),
			zap.Uint32("capacity", need),
		)
	}

	if err := call.Memory.WriteCString(uint32(p.buffer), text); err != nil {
		p.logger.Error("Failed to write clipboard text", zap.Error(err))
		if err := call.Layout.Fail(call.Memory, at); err != nil {
			p.logger.Error("Failed to publish clipboard failure", zap.Error(err))
		}
		return
	}
	if err := call.Layout.Complete(call.Memory, at, p.buffer, uint32(len(text))); err != nil {
		p.logger.Error("Failed to publish clipboard text", zap.Error(err))
	}
}
