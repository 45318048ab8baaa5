package manifestdef

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validManifest = `
api_version: "v1"
modules:
  - name: checkout
    version: "1.2.0"
    kind: workflow
    entry: modules/checkout.wasm
capabilities:
  - name: payments
    effect_kinds: ["http.request"]
    expires_after: "24h"
effect_routes:
  - effect_kind: http.request
    executor: http-executor
strict_routes: true
`

func TestLoad_ValidManifest(t *testing.T) {
	m, err := Load([]byte(validManifest))
	require.NoError(t, err)
	require.Equal(t, "v1", m.APIVersion)
	require.Len(t, m.Modules, 1)
	require.Equal(t, KindWorkflow, m.Modules[0].Kind)
	require.True(t, m.StrictRoutes)
}

func TestLoad_RejectsMissingRequiredField(t *testing.T) {
	_, err := Load([]byte(`api_version: "v1"`))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidKind(t *testing.T) {
	bad := `
api_version: "v1"
modules:
  - name: x
    version: "1.0.0"
    kind: bogus
    entry: x.wasm
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidSemver(t *testing.T) {
	bad := `
api_version: "v1"
modules:
  - name: x
    version: "not-a-version"
    kind: pure
    entry: x.wasm
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
}

func TestResolveDependency_ConstraintSatisfied(t *testing.T) {
	ok, err := ResolveDependency("^1.2.0", "1.3.5")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ResolveDependency("^1.2.0", "2.0.0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManifest_RouteFor_StrictRejectsUnknown(t *testing.T) {
	m, err := Load([]byte(validManifest))
	require.NoError(t, err)

	_, ok := m.RouteFor("unknown.kind")
	require.False(t, ok)

	executor, ok := m.RouteFor("http.request")
	require.True(t, ok)
	require.Equal(t, "http-executor", executor)
}

func TestManifest_RouteFor_NonStrictFallsBackToDefault(t *testing.T) {
	m := &Manifest{StrictRoutes: false}
	executor, ok := m.RouteFor("anything")
	require.True(t, ok)
	require.Equal(t, "default", executor)
}
