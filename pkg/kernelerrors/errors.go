// Package kernelerrors defines the closed error taxonomy shared across the kernel.
// Per spec §7 - Error Handling Design.
package kernelerrors

import "fmt"

// Code identifies a member of the closed error taxonomy.
type Code string

const (
	CodeManifest              Code = "Manifest"
	CodeStore                 Code = "Store"
	CodeJournal               Code = "Journal"
	CodeQuery                 Code = "Query"
	CodeUnknownReceipt        Code = "UnknownReceipt"
	CodeUnsupportedEffectKind Code = "UnsupportedEffectKind"
	CodeCapabilityMissing     Code = "CapabilityBindingMissing"
	CodePolicyViolation       Code = "PolicyViolation"
	CodeWorkflowOutput        Code = "WorkflowOutput"
	CodeSnapshotUnavailable   Code = "SnapshotUnavailable"
	CodeSnapshotDecode        Code = "SnapshotDecode"
	CodeSecretResolverMissing Code = "SecretResolverMissing"
	CodeIdempotencyKeyInvalid Code = "IdempotencyKeyInvalid"
	CodeEntropy               Code = "Entropy"
	CodeTimer                 Code = "Timer"
	CodeWorkspace             Code = "Workspace"
	CodeGovernance            Code = "Governance"
)

// KernelError is the common shape every taxonomy member implements, so callers
// can inspect the error code and path uniformly.
type KernelError interface {
	error
	Code() Code
	Path() string
}

// E is the concrete KernelError implementation.
type E struct {
	code    Code
	rule    string
	path    string
	message string
	wrapped error
}

// New creates a typed kernel error.
func New(code Code, rule, message string) *E {
	return &E{code: code, rule: rule, message: message}
}

// WithPath attaches a schema/field path to the error, for path-annotated
// normalization failures.
func (e *E) WithPath(path string) *E {
	cp := *e
	cp.path = path
	return &cp
}

// Wrap attaches an underlying cause.
func (e *E) Wrap(err error) *E {
	cp := *e
	cp.wrapped = err
	return &cp
}

func (e *E) Code() Code { return e.code }
func (e *E) Path() string { return e.path }

func (e *E) Error() string {
	msg := fmt.Sprintf("%s", e.message)
	if e.rule != "" {
		msg = fmt.Sprintf("[%s/%s] %s", e.code, e.rule, msg)
	} else {
		msg = fmt.Sprintf("[%s] %s", e.code, msg)
	}
	if e.path != "" {
		msg = fmt.Sprintf("%s (path: %s)", msg, e.path)
	}
	if e.wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.wrapped)
	}
	return msg
}

func (e *E) Unwrap() error { return e.wrapped }

// Is implements errors.Is support keyed on Code, so callers can write
// errors.Is(err, kernelerrors.New(kernelerrors.CodeStore, "", "")).
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok {
		return false
	}
	return t.code == e.code
}
