package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKeyDiffersByResourcePath(t *testing.T) {
	a := DeriveSessionKey("/opt/models/bouncing_ball/resources")
	b := DeriveSessionKey("/opt/models/van_der_pol/resources")
	require.NotEqual(t, a, b)
}

func TestDeriveSessionKeyStable(t *testing.T) {
	a := DeriveSessionKey("/opt/models/bouncing_ball/resources")
	b := DeriveSessionKey("/opt/models/bouncing_ball/resources")
	require.Equal(t, a, b)
}

func TestSessionKeyObjectNames(t *testing.T) {
	k := SessionKey("deadbeef")
	require.Equal(t, "deadbeef_client", k.ClientSemName())
	require.Equal(t, "deadbeef_server", k.ServerSemName())
	require.Equal(t, "deadbeef_memory", k.MemoryName())
}
