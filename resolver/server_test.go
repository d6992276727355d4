package resolver

import (
	"testing"

	"github.com/kong/go-dns-balancer/internal/dnstest"
)

// newFakeServer starts the shared in-process authoritative server on
// addr:5354/udp serving the given zone text.
func newFakeServer(t *testing.T, addr, zone string) *dnstest.Server {
	t.Helper()
	return dnstest.New(t, addr, zone)
}
