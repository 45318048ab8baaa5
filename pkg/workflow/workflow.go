// Package workflow implements the workflow runtime from spec §4.6: routing
// ingress domain events to subscribed modules, building the invocation
// context, enforcing output budgets, persisting state through the cell
// index, and turning module output into journaled effects and re-ingested
// domain events.
//
// Grounded on the teacher's runtime dispatch loop (pkg/kernelruntime/runtime.go)
// and deterministic reducer (pkg/kernel/reducer.go): both model "take an
// ordered batch of inputs, apply them against current state, produce a new
// state hash plus a list of follow-on effects." This package keeps that
// shape — load state, invoke, hash, persist — but replaces the teacher's
// conflict-policy key/value reducer with the spec's single-module,
// single-instance workflow step function and its closed output shape
// (state, domain events, effects, annotations).
package workflow

import (
	"fmt"

	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Event is an ingress domain event as the router sees it: already normalized
// against its schema, carrying an optional explicit key.
type Event struct {
	SchemaName  string
	Payload     map[string]any
	ExplicitKey []byte
}

// Subscription binds a schema name to a target module, optionally wrapping
// the event payload in a declared variant case and resolving an instance key
// from the payload when the event carries none explicitly.
type Subscription struct {
	SchemaName  string
	ModuleID    string
	VariantTag  string // empty means pass the payload through unwrapped
	KeyField    string // dotted path into Payload, evaluated when no explicit key
}

// RoutedEvent is one subscription's view of an ingress event: the module it
// targets and the resolved instance key.
type RoutedEvent struct {
	ModuleID string
	KeyBytes []byte
	Payload  map[string]any
}

// ErrKeyMismatch is fatal: an event carried an explicit key that disagrees
// with the key extracted from key_field.
var ErrKeyMismatch = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "key_mismatch", "explicit event key disagrees with key_field extraction")

// Router holds the subscription table, indexed by schema name.
type Router struct {
	subs map[string][]Subscription
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{subs: make(map[string][]Subscription)}
}

// Subscribe registers a subscription for a schema name.
func (r *Router) Subscribe(s Subscription) {
	r.subs[s.SchemaName] = append(r.subs[s.SchemaName], s)
}

// Route produces one RoutedEvent per subscription registered against the
// event's schema, resolving each subscription's instance key and applying
// its variant wrap.
func (r *Router) Route(evt Event) ([]RoutedEvent, error) {
	subs := r.subs[evt.SchemaName]
	out := make([]RoutedEvent, 0, len(subs))
	for _, s := range subs {
		key, err := resolveKey(s, evt)
		if err != nil {
			return nil, err
		}

		payload := evt.Payload
		if s.VariantTag != "" {
			payload = map[string]any{"$tag": s.VariantTag, "$value": evt.Payload}
		}

		out = append(out, RoutedEvent{ModuleID: s.ModuleID, KeyBytes: key, Payload: payload})
	}
	return out, nil
}

// Subscribed reports whether moduleID is subscribed to schemaName, e.g. to
// decide whether a fault-path event has anywhere to be delivered before
// synthesizing it.
func (r *Router) Subscribed(schemaName, moduleID string) bool {
	for _, s := range r.subs[schemaName] {
		if s.ModuleID == moduleID {
			return true
		}
	}
	return false
}

func resolveKey(s Subscription, evt Event) ([]byte, error) {
	if s.KeyField == "" {
		return evt.ExplicitKey, nil
	}

	extracted, err := fieldAt(evt.Payload, s.KeyField)
	if err != nil {
		return nil, err
	}
	extractedBytes, err := toKeyBytes(extracted)
	if err != nil {
		return nil, err
	}

	if len(evt.ExplicitKey) > 0 {
		if string(evt.ExplicitKey) != string(extractedBytes) {
			return nil, ErrKeyMismatch.WithPath(s.KeyField)
		}
	}
	return extractedBytes, nil
}

// fieldAt walks a dotted path through nested map[string]any records.
func fieldAt(payload map[string]any, path string) (any, error) {
	cur := any(payload)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		segment := path[start:i]
		start = i + 1

		m, ok := cur.(map[string]any)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.CodeWorkflowOutput, "key_field_missing", "key_field traverses a non-record value").WithPath(path)
		}
		v, exists := m[segment]
		if !exists {
			return nil, kernelerrors.New(kernelerrors.CodeWorkflowOutput, "key_field_missing", "key_field names a missing field").WithPath(path)
		}
		cur = v
	}
	return cur, nil
}

func toKeyBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return []byte(fmt.Sprintf("%v", t)), nil
	}
}
