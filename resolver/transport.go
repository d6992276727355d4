package resolver

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// exchange sends one query for (name, qtype) to the configured
// nameservers, trying each in turn until one answers (even with an error
// response) or all attempts are used up.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.CanonicalName(name), qtype)
	m.RecursionDesired = true

	servers := r.servers()
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameservers configured")
	}

	var lastErr error
	for attempt := 0; attempt < r.opts.Retrans; attempt++ {
		server := servers[attempt%len(servers)]

		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = fmt.Errorf("exchange with %s: %w", server, err)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}
