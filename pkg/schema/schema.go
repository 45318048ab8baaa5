// Package schema implements the closed type algebra and normalizer from
// spec §4.2: primitives, records, tagged variants, lists, sets, maps with
// restricted key types, options, and named refs, each validated with a
// path-annotated typed error on mismatch.
//
// Grounded on the teacher's PEP boundary validator
// (pkg/manifest/validate_tool_args.go): same "normalize to a map, walk
// declared fields checking required/type, reject unknown fields unless
// explicitly allowed" strategy. This package generalizes the teacher's flat
// field-type table into a recursive type algebra capable of describing
// records, tagged variants, and nested collections, and replaces its
// untyped *ToolArgError with kernelerrors' path-annotated KernelError.
package schema

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Kind identifies a member of the closed type algebra.
type Kind string

const (
	KindNull       Kind = "null"
	KindBool       Kind = "bool"
	KindI64        Kind = "i64"
	KindNat        Kind = "nat"
	KindDec128     Kind = "dec128"
	KindBytes      Kind = "bytes"
	KindStr        Kind = "str"
	KindTimeNs     Kind = "time_ns"
	KindDurationNs Kind = "duration_ns"
	KindHashRef    Kind = "hash_ref"
	KindUUID       Kind = "uuid"
	KindRecord     Kind = "record"
	KindVariant    Kind = "variant"
	KindList       Kind = "list"
	KindSet        Kind = "set"
	KindMap        Kind = "map"
	KindOption     Kind = "option"
	KindRef        Kind = "ref"
)

// Type is a member of the closed type algebra. Construct with the
// constructor functions below (Bool, I64, Record, Variant, ...).
type Type struct {
	Kind Kind

	// Record
	Fields map[string]Field

	// Variant: case name -> payload type
	Cases map[string]Type

	// List, Set, Option: element type
	Elem *Type

	// Map
	Key   *Type
	Value *Type

	// Ref
	RefName string
}

// Field describes one record field.
type Field struct {
	Type     Type
	Optional bool
}

func Null() Type       { return Type{Kind: KindNull} }
func Bool() Type       { return Type{Kind: KindBool} }
func I64() Type        { return Type{Kind: KindI64} }
func Nat() Type        { return Type{Kind: KindNat} }
func Dec128() Type     { return Type{Kind: KindDec128} }
func Str() Type        { return Type{Kind: KindStr} }
func Bytes() Type      { return Type{Kind: KindBytes} }
func TimeNs() Type     { return Type{Kind: KindTimeNs} }
func DurationNs() Type { return Type{Kind: KindDurationNs} }
func HashRef() Type    { return Type{Kind: KindHashRef} }
func UUID() Type       { return Type{Kind: KindUUID} }

func Record(fields map[string]Field) Type {
	return Type{Kind: KindRecord, Fields: fields}
}

func Variant(cases map[string]Type) Type {
	return Type{Kind: KindVariant, Cases: cases}
}

func List(elem Type) Type {
	return Type{Kind: KindList, Elem: &elem}
}

func Set(elem Type) Type {
	return Type{Kind: KindSet, Elem: &elem}
}

func MapOf(key, value Type) Type {
	return Type{Kind: KindMap, Key: &key, Value: &value}
}

func Option(elem Type) Type {
	return Type{Kind: KindOption, Elem: &elem}
}

func Ref(name string) Type {
	return Type{Kind: KindRef, RefName: name}
}

// isHashable reports whether a type is legal as a set element type: only
// primitives may be used, since set members must be comparable and
// canonically orderable.
func isHashable(t Type) bool {
	switch t.Kind {
	case KindNull, KindBool, KindI64, KindNat, KindDec128, KindBytes, KindStr,
		KindTimeNs, KindDurationNs, KindHashRef, KindUUID:
		return true
	default:
		return false
	}
}

// isMapKeyType reports whether a type may be used as a map key: spec §3
// restricts map keys to (int, nat, text, uuid, hash-ref), a strict subset of
// the set-hashable primitives, since map keys additionally need a canonical
// textual representation for the CBOR-map-as-string-keys in-memory shape.
func isMapKeyType(t Type) bool {
	switch t.Kind {
	case KindI64, KindNat, KindStr, KindUUID, KindHashRef:
		return true
	default:
		return false
	}
}

// dec128Pattern matches dec128's wire representation: an optionally signed
// decimal literal with no exponent, matching spec §3's arbitrary-precision
// fixed-point primitive.
var dec128Pattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// asUUIDString validates v as a canonical UUID string (any of the RFC 4122
// textual forms github.com/google/uuid accepts) and returns its lowercased,
// hyphenated canonical form.
func asUUIDString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected uuid string, got %T", v)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid: %w", err)
	}
	return id.String(), nil
}

// asHashRefBytes validates v as a spec §4.2 hash-ref: exactly 32 bytes,
// either as a raw []byte or as the 64-character lowercase hex string
// canonical.Hash prints.
func asHashRefBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		if len(b) != 32 {
			return nil, fmt.Errorf("expected 32-byte hash_ref, got %d bytes", len(b))
		}
		return b, nil
	case string:
		h, err := canonical.ParseHash(b)
		if err != nil {
			return nil, fmt.Errorf("invalid hash_ref: %w", err)
		}
		return h[:], nil
	default:
		return nil, fmt.Errorf("expected hash_ref, got %T", v)
	}
}

// Registry resolves named type refs, so record/variant definitions can
// reference each other (and themselves, for recursive shapes) without
// needing to be constructed in dependency order.
type Registry struct {
	defs map[string]Type
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Type)}
}

func (r *Registry) Define(name string, t Type) {
	r.defs[name] = t
}

func (r *Registry) resolve(t Type) (Type, error) {
	seen := map[string]bool{}
	for t.Kind == KindRef {
		if seen[t.RefName] {
			return Type{}, fmt.Errorf("schema: cyclic ref resolution at %q", t.RefName)
		}
		seen[t.RefName] = true
		def, ok := r.defs[t.RefName]
		if !ok {
			return Type{}, fmt.Errorf("schema: unknown ref %q", t.RefName)
		}
		t = def
	}
	return t, nil
}

// typeErr builds the error for normalization failures: the schema
// package sits beneath the manifest layer, but its errors use the Manifest
// code since a type mismatch is always a manifest-authoring defect.
func typeErr(path, msg string) *kernelerrors.E {
	return kernelerrors.New(kernelerrors.CodeManifest, "type_mismatch", msg).WithPath(path)
}

// Normalize validates v against t (resolving refs through reg) and returns
// the value in its canonical in-memory shape: records become
// map[string]any keyed by field name, variants become map[string]any with
// "$tag" and "$value" keys, lists/sets become []any, maps become
// map[string]any (keys checked against the key type and kept as given), options become
// either nil or the unwrapped value. The returned value is what callers pass
// to canonical.Encode.
func Normalize(reg *Registry, t Type, path string, v any) (any, error) {
	t, err := reg.resolve(t)
	if err != nil {
		return nil, typeErr(path, err.Error())
	}

	switch t.Kind {
	case KindNull:
		if v != nil {
			return nil, typeErr(path, fmt.Sprintf("expected null, got %T", v))
		}
		return nil, nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeErr(path, fmt.Sprintf("expected bool, got %T", v))
		}
		return b, nil

	case KindI64:
		n, err := asInt64(v)
		if err != nil {
			return nil, typeErr(path, err.Error())
		}
		return n, nil

	case KindNat:
		n, err := asInt64(v)
		if err != nil {
			return nil, typeErr(path, err.Error())
		}
		if n < 0 {
			return nil, typeErr(path, "expected nat, got negative value")
		}
		return uint64(n), nil

	case KindDec128:
		s, ok := v.(string)
		if !ok {
			return nil, typeErr(path, fmt.Sprintf("expected dec128 string, got %T", v))
		}
		if !dec128Pattern.MatchString(s) {
			return nil, typeErr(path, "expected dec128, got malformed decimal literal")
		}
		return s, nil

	case KindStr:
		s, ok := v.(string)
		if !ok {
			return nil, typeErr(path, fmt.Sprintf("expected str, got %T", v))
		}
		return s, nil

	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeErr(path, fmt.Sprintf("expected bytes, got %T", v))
		}
		return b, nil

	case KindTimeNs:
		n, err := asInt64(v)
		if err != nil {
			return nil, typeErr(path, fmt.Sprintf("expected time_ns, got %T", v))
		}
		return n, nil

	case KindDurationNs:
		n, err := asInt64(v)
		if err != nil {
			return nil, typeErr(path, fmt.Sprintf("expected duration_ns, got %T", v))
		}
		return n, nil

	case KindHashRef:
		b, err := asHashRefBytes(v)
		if err != nil {
			return nil, typeErr(path, err.Error())
		}
		return b, nil

	case KindUUID:
		s, err := asUUIDString(v)
		if err != nil {
			return nil, typeErr(path, err.Error())
		}
		return s, nil

	case KindRecord:
		return normalizeRecord(reg, t, path, v)

	case KindVariant:
		return normalizeVariant(reg, t, path, v)

	case KindList:
		return normalizeList(reg, t, path, v)

	case KindSet:
		return normalizeSet(reg, t, path, v)

	case KindMap:
		return normalizeMap(reg, t, path, v)

	case KindOption:
		if v == nil {
			return nil, nil
		}
		return Normalize(reg, *t.Elem, path, v)

	default:
		return nil, typeErr(path, fmt.Sprintf("unresolvable type kind %q", t.Kind))
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func normalizeRecord(reg *Registry, t Type, path string, v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeErr(path, fmt.Sprintf("expected record, got %T", v))
	}

	out := make(map[string]any, len(t.Fields))
	for name, field := range t.Fields {
		fieldPath := path + "." + name
		val, exists := m[name]
		if !exists {
			if field.Optional {
				continue
			}
			return nil, typeErr(fieldPath, "required field is missing")
		}
		normalized, err := Normalize(reg, field.Type, fieldPath, val)
		if err != nil {
			return nil, err
		}
		out[name] = normalized
	}

	for name := range m {
		if _, declared := t.Fields[name]; !declared {
			return nil, typeErr(path+"."+name, "unknown field not in schema")
		}
	}
	return out, nil
}

func normalizeVariant(reg *Registry, t Type, path string, v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeErr(path, fmt.Sprintf("expected variant, got %T", v))
	}
	tagVal, ok := m["$tag"]
	if !ok {
		return nil, typeErr(path, "variant missing $tag")
	}
	tag, ok := tagVal.(string)
	if !ok {
		return nil, typeErr(path, "variant $tag must be a string")
	}
	caseType, ok := t.Cases[tag]
	if !ok {
		return nil, typeErr(path, fmt.Sprintf("unknown variant case %q", tag))
	}

	payload, exists := m["$value"]
	if !exists {
		payload = nil
	}
	normalized, err := Normalize(reg, caseType, path+"."+tag, payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"$tag": tag, "$value": normalized}, nil
}

func normalizeList(reg *Registry, t Type, path string, v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, typeErr(path, fmt.Sprintf("expected list, got %T", v))
	}
	out := make([]any, len(items))
	for i, item := range items {
		normalized, err := Normalize(reg, *t.Elem, fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}

func normalizeSet(reg *Registry, t Type, path string, v any) (any, error) {
	if !isHashable(*t.Elem) {
		return nil, typeErr(path, "set element type must be a primitive")
	}
	items, ok := v.([]any)
	if !ok {
		return nil, typeErr(path, fmt.Sprintf("expected set (as list), got %T", v))
	}
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for i, item := range items {
		normalized, err := Normalize(reg, *t.Elem, fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%v", normalized)
		if seen[key] {
			return nil, typeErr(fmt.Sprintf("%s[%d]", path, i), "duplicate set element")
		}
		seen[key] = true
		out = append(out, normalized)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprintf("%v", out[i]) < fmt.Sprintf("%v", out[j])
	})
	return out, nil
}

func normalizeMap(reg *Registry, t Type, path string, v any) (any, error) {
	if !isMapKeyType(*t.Key) {
		return nil, typeErr(path, "map key type must be one of int, nat, text, uuid, hash_ref")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeErr(path, fmt.Sprintf("expected map, got %T", v))
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		keyPath := path + "[" + k + "]"
		if _, err := Normalize(reg, *t.Key, keyPath, k); err != nil {
			return nil, err
		}
		normalized, err := Normalize(reg, *t.Value, keyPath, val)
		if err != nil {
			return nil, err
		}
		out[k] = normalized
	}
	return out, nil
}
