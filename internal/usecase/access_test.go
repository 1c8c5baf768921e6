package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "5511987654321", want: "5511987654321"},
		{in: "11987654321", want: "5511987654321"},
		{in: "1187654321", want: "551187654321"},
		{in: "+55 (11) 98765-4321", want: "5511987654321"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestIsActivationCode(t *testing.T) {
	require.True(t, IsActivationCode("ABC-123"))
	require.True(t, IsActivationCode("  gift2026  "))
	require.False(t, IsActivationCode("oi"))
	require.False(t, IsActivationCode("quero jogar agora"))
	require.False(t, IsActivationCode("ABC_123"))
}

func TestIsAuthorized(t *testing.T) {
	orders := &fakeOrders{allowed: map[string]bool{"5511987654321": true}}
	gate, err := NewAccessGate(orders)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := gate.IsAuthorized(ctx, "11987654321")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"11987654321", "5511987654321"}, orders.calls[0])

	ok, err = gate.IsAuthorized(ctx, "5521999999999")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"5521999999999"}, orders.calls[1])
}

func TestIsAuthorized_LookupErrorFailsClosed(t *testing.T) {
	gate, err := NewAccessGate(&fakeOrders{err: errBoom})
	require.NoError(t, err)

	ok, err := gate.IsAuthorized(context.Background(), "5511987654321")
	require.False(t, ok)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, ErrorAccessCheckFailed, CodeOf(err))
}
