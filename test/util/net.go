// Package util provides shared helpers for tests.
package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// FreeTCPPort reserves an ephemeral TCP port and returns it. The listener is
// closed before returning, so there is a tiny window in which another
// process could grab the port; fine for tests.
func FreeTCPPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// FreeUDPPort reserves an ephemeral UDP port and returns it.
func FreeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}
