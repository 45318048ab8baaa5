package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouter_Route_ExplicitKeyPassesThrough(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SchemaName: "orders.created", ModuleID: "order_workflow"})

	routed, err := r.Route(Event{SchemaName: "orders.created", Payload: map[string]any{"id": "o1"}, ExplicitKey: []byte("o1")})
	require.NoError(t, err)
	require.Len(t, routed, 1)
	require.Equal(t, "order_workflow", routed[0].ModuleID)
	require.Equal(t, []byte("o1"), routed[0].KeyBytes)
}

func TestRouter_Route_ExtractsKeyField(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SchemaName: "orders.created", ModuleID: "order_workflow", KeyField: "order.id"})

	evt := Event{SchemaName: "orders.created", Payload: map[string]any{
		"order": map[string]any{"id": "o42"},
	}}
	routed, err := r.Route(evt)
	require.NoError(t, err)
	require.Equal(t, []byte("o42"), routed[0].KeyBytes)
}

func TestRouter_Route_KeyMismatchIsFatal(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SchemaName: "orders.created", ModuleID: "order_workflow", KeyField: "order.id"})

	evt := Event{
		SchemaName:  "orders.created",
		Payload:     map[string]any{"order": map[string]any{"id": "o42"}},
		ExplicitKey: []byte("other"),
	}
	_, err := r.Route(evt)
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestRouter_Route_WrapsVariant(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SchemaName: "orders.created", ModuleID: "order_workflow", VariantTag: "OrderCreated"})

	routed, err := r.Route(Event{SchemaName: "orders.created", Payload: map[string]any{"id": "o1"}})
	require.NoError(t, err)
	require.Equal(t, "OrderCreated", routed[0].Payload["$tag"])
}

func TestRouter_Route_MultipleSubscribersForSameSchema(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SchemaName: "orders.created", ModuleID: "billing"})
	r.Subscribe(Subscription{SchemaName: "orders.created", ModuleID: "fulfillment"})

	routed, err := r.Route(Event{SchemaName: "orders.created", Payload: map[string]any{}})
	require.NoError(t, err)
	require.Len(t, routed, 2)
}

func TestRouter_Route_NoSubscribersIsEmpty(t *testing.T) {
	r := NewRouter()
	routed, err := r.Route(Event{SchemaName: "unsubscribed.schema"})
	require.NoError(t, err)
	require.Empty(t, routed)
}
