//go:build !windows
// +build !windows

package resolver

import (
	"fmt"

	"github.com/miekg/dns"
)

// systemResolvConf is the default path consulted by discoverSystemConfig.
// Parsing is delegated entirely to dns.ClientConfigFromFile rather than
// hand-rolled.
const systemResolvConf = "/etc/resolv.conf"

const systemHostsFile = "/etc/hosts"

// discoverSystemConfig parses path (normally /etc/resolv.conf) for
// nameservers, search list and ndots, the way the operating system's
// resolver would.
func discoverSystemConfig(path string) (servers, search []string, ndots int, err error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("parse %s: %w", path, err)
	}

	for _, s := range cfg.Servers {
		servers = append(servers, s+":"+cfg.Port)
	}

	return servers, cfg.Search, cfg.Ndots, nil
}
