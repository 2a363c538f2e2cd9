package capability

import (
	"context"
	"crypto/rand"
	"math"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// Env implements the odin_env namespace the Odin runtime imports: console
// output, traps, clocks, randomness and the math intrinsics.
type Env struct {
	start  time.Time
	logger *zap.Logger
}

// NewEnv creates the environment provider. tick_now counts from now.
func NewEnv(logger *zap.Logger) *Env {
	return &Env{
		start:  time.Now(),
		logger: logger.With(zap.String("component", "guest")),
	}
}

// Namespace builds the odin_env namespace.
func (e *Env) Namespace(name string) (*wasm.Namespace, error) {
	ns := wasm.NewNamespace(name)

	funcs := map[string]*wasm.HostFunc{
		"write": {
			Params:     []wasm.ValueKind{wasm.KindI32, wasm.KindPointer, wasm.KindSize},
			ParamNames: []string{"fd", "ptr", "len"},
			Handler:    e.write,
		},
		"trap":  {Handler: e.trap("trap")},
		"abort": {Handler: e.trap("abort")},
		"alert": {
			Params:     []wasm.ValueKind{wasm.KindPointer, wasm.KindSize},
			ParamNames: []string{"ptr", "len"},
			Handler:    e.alert,
		},
		"time_now": {
			Results: []wasm.ValueKind{wasm.KindI64},
			Handler: func(context.Context, *wasm.Call) (uint64, error) {
				return uint64(time.Now().UnixNano()), nil
			},
		},
		"tick_now": {
			Results: []wasm.ValueKind{wasm.KindF64},
			Handler: func(context.Context, *wasm.Call) (uint64, error) {
				ms := float64(time.Since(e.start).Nanoseconds()) / 1e6
				return api.EncodeF64(ms), nil
			},
		},
		"time_sleep": {
			Params:     []wasm.ValueKind{wasm.KindI64},
			ParamNames: []string{"duration_ms"},
			Handler:    e.sleep,
		},
		"rand_bytes": {
			Params:     []wasm.ValueKind{wasm.KindPointer, wasm.KindSize},
			ParamNames: []string{"ptr", "len"},
			Handler:    e.randBytes,
		},
		"sqrt": unaryF64(math.Sqrt),
		"sin":  unaryF64(math.Sin),
		"cos":  unaryF64(math.Cos),
		"ln":   unaryF64(math.Log),
		"exp":  unaryF64(math.Exp),
		"pow":  binaryF64(math.Pow),
		"fmuladd": {
			Params:  []wasm.ValueKind{wasm.KindF64, wasm.KindF64, wasm.KindF64},
			Results: []wasm.ValueKind{wasm.KindF64},
			Handler: func(_ context.Context, call *wasm.Call) (uint64, error) {
				return api.EncodeF64(math.FMA(call.F64(0), call.F64(1), call.F64(2))), nil
			},
		},
		"ldexp": {
			Params:  []wasm.ValueKind{wasm.KindF64, wasm.KindI32},
			Results: []wasm.ValueKind{wasm.KindF64},
			Handler: func(_ context.Context, call *wasm.Call) (uint64, error) {
				return api.EncodeF64(math.Ldexp(call.F64(0), int(int32(call.U32(1))))), nil
			},
		},
	}

	for name, fn := range funcs {
		if err := ns.Add(name, fn); err != nil {
			return nil, err
		}
	}
	return ns, nil
}

func unaryF64(f func(float64) float64) *wasm.HostFunc {
	return &wasm.HostFunc{
		Params:  []wasm.ValueKind{wasm.KindF64},
		Results: []wasm.ValueKind{wasm.KindF64},
		Handler: func(_ context.Context, call *wasm.Call) (uint64, error) {
			return api.EncodeF64(f(call.F64(0))), nil
		},
	}
}

func binaryF64(f func(float64, float64) float64) *wasm.HostFunc {
	return &wasm.HostFunc{
		Params:  []wasm.ValueKind{wasm.KindF64, wasm.KindF64},
		Results: []wasm.ValueKind{wasm.KindF64},
		Handler: func(_ context.Context, call *wasm.Call) (uint64, error) {
			return api.EncodeF64(f(call.F64(0), call.F64(1))), nil
		},
	}
}

func (e *Env) write(_ context.Context, call *wasm.Call) (uint64, error) {
	text, err := call.String(1, 2)
	if err != nil {
		return 0, err
	}
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return 0, nil
	}

	switch call.U32(0) {
	case 2:
		e.logger.Error(text, zap.String("stream", "stderr"))
	default:
		e.logger.Info(text, zap.String("stream", "stdout"))
	}
	return 0, nil
}

func (e *Env) alert(_ context.Context, call *wasm.Call) (uint64, error) {
	text, err := call.String(0, 1)
	if err != nil {
		return 0, err
	}
	e.logger.Warn(text, zap.String("stream", "alert"))
	return 0, nil
}

func (e *Env) trap(reason string) wasm.Handler {
	return func(_ context.Context, call *wasm.Call) (uint64, error) {
		return 0, &wasm.GuestTrapError{FunctionName: call.Name, Reason: reason}
	}
}

func (e *Env) sleep(ctx context.Context, call *wasm.Call) (uint64, error) {
	d := time.Duration(call.I64(0)) * time.Millisecond
	if d <= 0 {
		return 0, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, nil
	}
}

func (e *Env) randBytes(_ context.Context, call *wasm.Call) (uint64, error) {
	if call.Memory == nil {
		return 0, &wasm.GuestTrapError{FunctionName: call.Name, Reason: "no linear memory"}
	}
	view, err := call.Memory.View(uint32(call.Pointer(0)), call.Size(1))
	if err != nil {
		return 0, err
	}
	_, err = rand.Read(view)
	return 0, err
}
