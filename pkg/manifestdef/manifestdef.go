// Package manifestdef loads and validates the kernel manifest: the
// declaration of which modules, capability grants, and effect routes a
// given kernel instance runs with (spec §4.9, manifest records in §3).
//
// Grounded on the teacher's pkg/manifest/schema.go (Module/CapabilityConfig/
// PolicyConfig/Bundle), keeping its "plain Go structs with yaml/json tags,
// loaded straight off disk" shape, but replacing its free-form Rego policy
// strings and ad hoc args_schema strings with the spec's structured module
// ABI kind, capability-grant, and effect-route declarations, each checked
// against a JSON meta-schema and semver version constraints rather than left
// unvalidated.
package manifestdef

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ModuleKind is the ABI kind a module implements (spec §4.11).
type ModuleKind string

const (
	KindPure     ModuleKind = "pure"
	KindWorkflow ModuleKind = "workflow"
)

// ModuleDef declares one module the manifest binds into the kernel.
type ModuleDef struct {
	Name    string     `json:"name" yaml:"name"`
	Version string     `json:"version" yaml:"version"`
	Kind    ModuleKind `json:"kind" yaml:"kind"`
	Entry   string     `json:"entry" yaml:"entry"` // wasm module path, or a native registration id
}

// CapabilityGrantDef declares a capability grant available to modules.
type CapabilityGrantDef struct {
	Name         string   `json:"name" yaml:"name"`
	EffectKinds  []string `json:"effect_kinds" yaml:"effect_kinds"`
	ExpiresAfter string   `json:"expires_after,omitempty" yaml:"expires_after,omitempty"` // e.g. "24h"
}

// EffectRouteDef binds an effect kind to the executor responsible for it.
type EffectRouteDef struct {
	EffectKind string `json:"effect_kind" yaml:"effect_kind"`
	Executor   string `json:"executor" yaml:"executor"`
}

// TriggerDef binds an ingress event schema to the plan a matching event
// starts, the only externally-driven way to create a plan instance (spec
// §4.7: "a plan instance is created by a trigger or a parent spawn").
type TriggerDef struct {
	Schema string `json:"schema" yaml:"schema"`
	Plan   string `json:"plan" yaml:"plan"`
	Where  string `json:"where,omitempty" yaml:"where,omitempty"` // optional guard expression over the event payload
}

// Manifest is the full declaration for one kernel manifest generation.
type Manifest struct {
	APIVersion   string               `json:"api_version" yaml:"api_version"`
	Modules      []ModuleDef          `json:"modules" yaml:"modules"`
	Capabilities []CapabilityGrantDef `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	EffectRoutes []EffectRouteDef     `json:"effect_routes,omitempty" yaml:"effect_routes,omitempty"`
	Triggers     []TriggerDef         `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	// StrictRoutes, when true, makes RouteFor report no route for an effect
	// kind with no entry in EffectRoutes rather than falling through to the
	// "default" executor. It is false when the document omits strict_routes.
	StrictRoutes bool `json:"strict_routes" yaml:"strict_routes"`
}

// TriggersFor returns every trigger declared against the given event schema.
func (m *Manifest) TriggersFor(schemaName string) []TriggerDef {
	var out []TriggerDef
	for _, t := range m.Triggers {
		if t.Schema == schemaName {
			out = append(out, t)
		}
	}
	return out
}

const metaSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["api_version", "modules"],
	"properties": {
		"api_version": {"type": "string"},
		"modules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "version", "kind", "entry"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"version": {"type": "string"},
					"kind": {"type": "string", "enum": ["pure", "workflow"]},
					"entry": {"type": "string", "minLength": 1}
				}
			}
		},
		"capabilities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "effect_kinds"],
				"properties": {
					"name": {"type": "string"},
					"effect_kinds": {"type": "array", "items": {"type": "string"}},
					"expires_after": {"type": "string"}
				}
			}
		},
		"effect_routes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["effect_kind", "executor"],
				"properties": {
					"effect_kind": {"type": "string"},
					"executor": {"type": "string"}
				}
			}
		},
		"triggers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["schema", "plan"],
				"properties": {
					"schema": {"type": "string"},
					"plan": {"type": "string"},
					"where": {"type": "string"}
				}
			}
		},
		"strict_routes": {"type": "boolean"}
	}
}`

var metaSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.schema.json", strings.NewReader(metaSchemaJSON)); err != nil {
		panic(fmt.Sprintf("manifestdef: invalid embedded meta-schema: %v", err))
	}
	s, err := compiler.Compile("manifest.schema.json")
	if err != nil {
		panic(fmt.Sprintf("manifestdef: compile meta-schema: %v", err))
	}
	metaSchema = s
}

// ErrInvalidManifest is returned when a manifest document fails meta-schema
// or semantic validation.
var ErrInvalidManifest = kernelerrors.New(kernelerrors.CodeManifest, "invalid_manifest", "manifest failed validation")

// Load parses YAML manifest bytes, validates the result against the meta-
// schema, and checks that every module's version is a valid semver string.
func Load(data []byte) (*Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidManifest.Wrap(fmt.Errorf("yaml parse: %w", err))
	}

	// jsonschema validates over JSON-shaped data (map[string]any with string
	// keys); round-trip through encoding/json to normalize YAML's
	// map[string]interface{} into that shape.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, ErrInvalidManifest.Wrap(fmt.Errorf("normalize to json: %w", err))
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, ErrInvalidManifest.Wrap(err)
	}

	if err := metaSchema.Validate(doc); err != nil {
		return nil, ErrInvalidManifest.Wrap(err)
	}

	var m Manifest
	if err := json.Unmarshal(asJSON, &m); err != nil {
		return nil, ErrInvalidManifest.Wrap(err)
	}

	for _, mod := range m.Modules {
		if _, err := semver.NewVersion(mod.Version); err != nil {
			return nil, ErrInvalidManifest.WithPath("modules." + mod.Name + ".version").Wrap(err)
		}
	}

	return &m, nil
}

// ResolveDependency checks that candidate satisfies a semver constraint
// string (e.g. "^1.2.0"), used when one module's manifest entry declares a
// version requirement on another.
func ResolveDependency(constraint, candidate string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("manifestdef: invalid constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(candidate)
	if err != nil {
		return false, fmt.Errorf("manifestdef: invalid version %q: %w", candidate, err)
	}
	return c.Check(v), nil
}

// RouteFor resolves the executor bound to an effect kind. If StrictRoutes is
// set and no route matches, ok is false; otherwise an unmatched kind falls
// back to the "default" executor and the fallback is logged.
func (m *Manifest) RouteFor(effectKind string) (executor string, ok bool) {
	for _, r := range m.EffectRoutes {
		if r.EffectKind == effectKind {
			return r.Executor, true
		}
	}
	if m.StrictRoutes {
		return "", false
	}
	slog.Warn("manifestdef: no effect route declared, using default executor", "effect_kind", effectKind)
	return "default", true
}
