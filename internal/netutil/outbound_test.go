package netutil_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wostzone/wotgo/internal/netutil"
)

func TestDefaultHostnameNeverEmpty(t *testing.T) {
	hostname := netutil.DefaultHostname()
	assert.NotEmpty(t, hostname)
}

func TestOutboundIPFallsBackGracefully(t *testing.T) {
	// Even with no real route, OutboundIP must not panic; DefaultHostname
	// falls back to "localhost" when it returns nil.
	ip := netutil.OutboundIP("")
	if ip == nil {
		assert.Equal(t, "localhost", netutil.DefaultHostname())
	} else {
		assert.NotNil(t, net.ParseIP(ip.String()))
	}
}

func TestInterfacesReturnsSliceWithoutError(t *testing.T) {
	ifaces, err := netutil.Interfaces("127.0.0.1")
	assert.NoError(t, err)
	assert.NotNil(t, ifaces)
}
