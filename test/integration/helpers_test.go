package integration

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// freePort asks the OS for an ephemeral TCP port, then releases it
// immediately, so a test can construct a "host:port" listen address
// without a fixed port colliding across parallel test runs.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
