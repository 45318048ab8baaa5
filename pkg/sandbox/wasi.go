package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASIInvoker runs a compiled WASM module under wazero, deny-by-default:
// only stdin/stdout/stderr are wired, with no filesystem, no network, no
// ambient randomness, and no environment variables.
type WASIInvoker struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	limits   Limits
}

// NewWASIInvoker compiles wasmBytes under a fresh, memory-bounded wazero
// runtime with WASI preview1 instantiated and no host modules beyond it.
func NewWASIInvoker(ctx context.Context, wasmBytes []byte, limits Limits) (*WASIInvoker, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if limits.MemoryLimitBytes > 0 {
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, ErrSandbox.Wrap(fmt.Errorf("instantiate wasi: %w", err))
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, ErrSandbox.Wrap(fmt.Errorf("compile: %w", err))
	}

	modCfg := wazero.NewModuleConfig().
		WithName("agentkernel-module").
		WithStartFunctions("_start")
	// Deliberately not calling WithFSConfig, WithSysNanotime, WithRandSource,
	// or WithEnv: no filesystem, no high-res timer, no randomness, no
	// environment leaks into the module.

	return &WASIInvoker{runtime: r, compiled: compiled, config: modCfg, limits: limits}, nil
}

// InvokePure runs one pure-module call: input on stdin, output on stdout.
// ctxBytes, when non-nil, is appended to input as the ABI's optional second
// envelope field (callers are responsible for the envelope framing; this
// invoker only moves bytes across the sandbox boundary).
func (w *WASIInvoker) InvokePure(ctx context.Context, input, abiCtx []byte) ([]byte, error) {
	return w.run(ctx, append(append([]byte(nil), input...), abiCtx...))
}

// InvokeWorkflow runs one workflow-module call the same way, with the
// module responsible for distinguishing state/event/ctx within the bytes it
// receives (the kernel's workflow ABI envelope does this framing before
// handing bytes to the invoker).
func (w *WASIInvoker) InvokeWorkflow(ctx context.Context, state, event, abiCtx []byte) ([]byte, error) {
	buf := append(append(append([]byte(nil), state...), event...), abiCtx...)
	return w.run(ctx, buf)
}

func (w *WASIInvoker) run(ctx context.Context, input []byte) ([]byte, error) {
	if w.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := w.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrSandbox.Wrap(fmt.Errorf("timed out after %v: %w", w.limits.CPUTimeLimit, ctx.Err()))
		}
		return nil, ErrSandbox.Wrap(fmt.Errorf("instantiate: %w", err))
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, ErrSandbox.Wrap(fmt.Errorf("stderr: %s", stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Close releases the compiled module and the wazero runtime.
func (w *WASIInvoker) Close(ctx context.Context) error {
	_ = w.compiled.Close(ctx)
	return w.runtime.Close(ctx)
}
