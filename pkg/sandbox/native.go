package sandbox

import "context"

// NativeInvoker runs in-process Go functions instead of compiled WASM,
// suitable for the bundled CLI's built-in modules and for tests that want
// to exercise the workflow ABI envelope without a wazero runtime.
type NativeInvoker struct {
	Pure     func(ctx context.Context, input, abiCtx []byte) ([]byte, error)
	Workflow func(ctx context.Context, state, event, abiCtx []byte) ([]byte, error)
}

func (n *NativeInvoker) InvokePure(ctx context.Context, input, abiCtx []byte) ([]byte, error) {
	if n.Pure == nil {
		return nil, ErrSandbox.WithPath("pure")
	}
	return n.Pure(ctx, input, abiCtx)
}

func (n *NativeInvoker) InvokeWorkflow(ctx context.Context, state, event, abiCtx []byte) ([]byte, error) {
	if n.Workflow == nil {
		return nil, ErrSandbox.WithPath("workflow")
	}
	return n.Workflow(ctx, state, event, abiCtx)
}

// Close is a no-op for NativeInvoker; there is no runtime to release.
func (n *NativeInvoker) Close(ctx context.Context) error { return nil }
