package resolver

import "errors"

// systemResolvConf has no meaning on Windows; SetNameservers or explicit
// Options.Nameservers must be used instead.
const systemResolvConf = ""

const systemHostsFile = `C:\Windows\System32\drivers\etc\hosts`

// discoverSystemConfig is unimplemented on Windows: there is no
// /etc/resolv.conf to parse. See
// https://github.com/miekg/dns/issues/334 for why this isn't trivial.
func discoverSystemConfig(path string) (servers, search []string, ndots int, err error) {
	return nil, nil, 0, errors.New("automatic resolv.conf discovery is not supported on windows; set Options.Nameservers explicitly")
}
