package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolver_ResolveAndBind_GrantedKind(t *testing.T) {
	r := NewResolver([]byte("test-key"))
	r.Register(Grant{Name: "payments", EffectKinds: []string{"http.request"}})

	h, err := r.Resolve("payments")
	require.NoError(t, err)

	err = r.Bind(h, "http.request")
	require.NoError(t, err)
}

func TestResolver_Bind_RejectsUngrantedKind(t *testing.T) {
	r := NewResolver([]byte("test-key"))
	r.Register(Grant{Name: "payments", EffectKinds: []string{"http.request"}})

	h, err := r.Resolve("payments")
	require.NoError(t, err)

	err = r.Bind(h, "fs.write")
	require.ErrorIs(t, err, ErrKindNotGranted)
}

func TestResolver_Resolve_UnknownGrantFails(t *testing.T) {
	r := NewResolver([]byte("test-key"))
	_, err := r.Resolve("missing")
	require.ErrorIs(t, err, ErrGrantNotFound)
}

func TestResolver_Bind_RejectsExpiredHandle(t *testing.T) {
	r := NewResolver([]byte("test-key"))
	r.Register(Grant{Name: "short", EffectKinds: []string{"x"}, TTL: -time.Second})

	h, err := r.Resolve("short")
	require.NoError(t, err)

	err = r.Bind(h, "x")
	require.ErrorIs(t, err, ErrHandleExpired)
}

func TestResolver_Bind_RejectsTamperedHandle(t *testing.T) {
	r := NewResolver([]byte("test-key"))
	r.Register(Grant{Name: "payments", EffectKinds: []string{"http.request"}})

	h, err := r.Resolve("payments")
	require.NoError(t, err)

	other := NewResolver([]byte("different-key"))
	err = other.Bind(h, "http.request")
	require.ErrorIs(t, err, ErrHandleInvalid)
}
