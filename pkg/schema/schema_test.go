package schema

import (
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Record_MissingRequiredField(t *testing.T) {
	reg := NewRegistry()
	t1 := Record(map[string]Field{
		"name": {Type: Str()},
		"age":  {Type: I64(), Optional: true},
	})

	_, err := Normalize(reg, t1, "$", map[string]any{"age": int64(5)})
	require.Error(t, err)
	var kerr kernelerrors.KernelError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, kernelerrors.CodeManifest, kerr.Code())
	require.Equal(t, "$.name", kerr.Path())
}

func TestNormalize_Record_UnknownFieldRejected(t *testing.T) {
	reg := NewRegistry()
	t1 := Record(map[string]Field{"name": {Type: Str()}})

	_, err := Normalize(reg, t1, "$", map[string]any{"name": "a", "extra": 1})
	require.Error(t, err)
}

func TestNormalize_Record_OptionalFieldOmitted(t *testing.T) {
	reg := NewRegistry()
	t1 := Record(map[string]Field{
		"name": {Type: Str()},
		"age":  {Type: I64(), Optional: true},
	})

	out, err := Normalize(reg, t1, "$", map[string]any{"name": "a"})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, "a", m["name"])
	_, exists := m["age"]
	require.False(t, exists)
}

func TestNormalize_Variant_UnknownCaseRejected(t *testing.T) {
	reg := NewRegistry()
	t1 := Variant(map[string]Type{"ok": Str(), "err": Str()})

	_, err := Normalize(reg, t1, "$", map[string]any{"$tag": "unknown", "$value": "x"})
	require.Error(t, err)
}

func TestNormalize_Variant_ValidCase(t *testing.T) {
	reg := NewRegistry()
	t1 := Variant(map[string]Type{"ok": Str(), "err": Str()})

	out, err := Normalize(reg, t1, "$", map[string]any{"$tag": "ok", "$value": "hello"})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, "ok", m["$tag"])
	require.Equal(t, "hello", m["$value"])
}

func TestNormalize_List_Basic(t *testing.T) {
	reg := NewRegistry()
	t1 := List(I64())

	out, err := Normalize(reg, t1, "$", []any{int64(1), int64(2), int64(3)})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, out)
}

func TestNormalize_Set_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	t1 := Set(Str())

	_, err := Normalize(reg, t1, "$", []any{"a", "b", "a"})
	require.Error(t, err)
}

func TestNormalize_Set_NonPrimitiveElemRejected(t *testing.T) {
	reg := NewRegistry()
	t1 := Set(Record(map[string]Field{"x": {Type: Str()}}))

	_, err := Normalize(reg, t1, "$", []any{})
	require.Error(t, err)
}

func TestNormalize_Map_Basic(t *testing.T) {
	reg := NewRegistry()
	t1 := MapOf(Str(), I64())

	out, err := Normalize(reg, t1, "$", map[string]any{"a": int64(1)})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": int64(1)}, out)
}

func TestNormalize_Option_NilAndValue(t *testing.T) {
	reg := NewRegistry()
	t1 := Option(Str())

	out, err := Normalize(reg, t1, "$", nil)
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = Normalize(reg, t1, "$", "present")
	require.NoError(t, err)
	require.Equal(t, "present", out)
}

func TestNormalize_Ref_ResolvesRegisteredType(t *testing.T) {
	reg := NewRegistry()
	reg.Define("Name", Str())

	out, err := Normalize(reg, Ref("Name"), "$", "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", out)
}

func TestNormalize_Ref_UnknownFails(t *testing.T) {
	reg := NewRegistry()
	_, err := Normalize(reg, Ref("Missing"), "$", "x")
	require.Error(t, err)
}

func TestNormalize_Nat_RejectsNegative(t *testing.T) {
	reg := NewRegistry()
	_, err := Normalize(reg, Nat(), "$", int64(-1))
	require.Error(t, err)
}
