package balancer

import (
	"context"
	"net"
	"time"
)

// GetPeer resolves a to an (ip, port, hostname) triple, refreshing its
// host's DNS first if the host's last query has expired. It returns
// ErrDNSUpdated if that refresh caused a to stop belonging to its host,
// and ErrAddressUnavailable if a is marked unavailable. Addresses whose
// IPType is IPTypeName re-resolve their target on every call.
func (a *Address) GetPeer(ctx context.Context, cacheOnly bool) (net.IP, int, string, error) {
	a.mu.Lock()
	host := a.host
	a.mu.Unlock()

	if host == nil {
		return nil, 0, "", ErrDNSUpdated
	}

	host.mu.Lock()
	needsRefresh := !cacheOnly && (host.lastQuery == nil || host.lastQuery.Expire.Before(time.Now()))
	bal := host.balancer
	host.mu.Unlock()

	if needsRefresh && bal != nil {
		bal.queryHost(host)

		a.mu.Lock()
		stillOwned := a.host != nil
		a.mu.Unlock()
		if !stillOwned {
			return nil, 0, "", ErrDNSUpdated
		}
	}

	if !a.Available() {
		return nil, 0, "", ErrAddressUnavailable
	}

	if a.IPType == IPTypeName {
		ip, port, _, err := bal.opts.DNS.ToIP(ctx, a.Name, a.Port, cacheOnly)
		return ip, port, a.hostname, err
	}

	return a.IP, a.Port, a.hostname, nil
}
