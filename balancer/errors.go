package balancer

import (
	"errors"
	"strconv"
)

// ErrUnhealthy is returned by GetPeer when the balancer's total weight is
// zero. Addresses marked unavailable still count towards that weight.
var ErrUnhealthy = errors.New("Balancer is unhealthy")

// ErrAddressUnavailable is the retry signal an Address.GetPeer returns
// when it has been marked unavailable; the selecting algorithm reacts by
// moving on to the next candidate.
var ErrAddressUnavailable = errors.New("Address is marked as unavailable")

// ErrDNSUpdated is the retry signal meaning the address a selection
// pointed at no longer belongs to its host; a DNS refresh ran underneath
// the caller. The caller should re-consult the balancer state and retry.
var ErrDNSUpdated = errors.New("Cannot get peer, a DNS update changed the balancer structure, please retry")

// ErrNoPeerByName is returned by SetPeerStatus when no address matches the
// given (ip, port, hostname), optionally because the only candidates were
// nested-name addresses that can't be matched by IP.
type ErrNoPeerByName struct {
	Host        string
	IP          string
	Port        int
	NestedNames []string
}

func (e *ErrNoPeerByName) Error() string {
	msg := "no peer found by name '" + e.Host + "' and address " + e.IP + ":" + strconv.Itoa(e.Port)
	if len(e.NestedNames) > 0 {
		msg += " (possibly the IP originated from these nested dns names: "
		for i, n := range e.NestedNames {
			if i > 0 {
				msg += ", "
			}
			msg += n
		}
		msg += ")"
	}
	return msg
}
