// Package sandbox implements the module execution boundary from spec §6: a
// narrow byte-in/byte-out ABI a pure or workflow module obeys, with the
// first field of every input envelope carrying a fixed ABI version.
//
// Grounded on the teacher's WASI sandbox (pkg/runtime/sandbox/wasi_sandbox.go):
// same deny-by-default wazero wiring (no filesystem, no network, no ambient
// randomness, no environment variables, CPU time bounded by a context
// deadline, memory bounded by a page ceiling), generalized from the
// teacher's stdin/stdout-piped pack executor into the spec's explicit
// invoke(input_bytes, ctx_bytes?) / invoke(state_bytes?, event_bytes,
// ctx_bytes?) call shapes.
package sandbox

import (
	"context"
	"time"

	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// ABIVersion is the fixed module ABI version, carried as the first field of
// every input envelope per spec §6.
const ABIVersion = 1

// ErrSandbox is the taxonomy member for invocation failures: compile errors,
// trap, timeout, or a non-empty stderr stream.
var ErrSandbox = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "sandbox", "module invocation failed")

// PureInvoker executes a pure module's invoke(input_bytes, ctx_bytes?) call.
// A nil ctx means the module's ABI does not declare a context.
type PureInvoker interface {
	InvokePure(ctx context.Context, input, abiCtx []byte) (output []byte, err error)
}

// WorkflowInvoker executes a workflow module's invoke(state_bytes?,
// event_bytes, ctx_bytes?) call. A nil state means cold-start invocation.
type WorkflowInvoker interface {
	InvokeWorkflow(ctx context.Context, state, event, abiCtx []byte) (output []byte, err error)
}

// Invoker is implemented by every sandbox backend (WASI or native).
type Invoker interface {
	PureInvoker
	WorkflowInvoker
	// Close releases the backend's resources (a compiled module, a runtime).
	Close(ctx context.Context) error
}

// Limits bounds one invocation's resource use. Zero values mean unbounded
// (only appropriate for NativeInvoker in tests).
type Limits struct {
	MemoryLimitBytes uint64
	CPUTimeLimit     time.Duration // 0 means no deadline is applied
}
