package resolver

import "github.com/miekg/dns"

// TryEntry is one (name, type) lookup attempted while resolving a query,
// along with its outcome. Generalizes the teacher's per-query Trace to the
// flatter per-call diagnostic that also powers recursion detection.
type TryEntry struct {
	Name   string
	Qtype  uint16
	Status string
}

// TryList is the ordered record of every (name, type) pair attempted
// during one Resolve/ToIP call. It is purely diagnostic except
// for Seen, which is how recursion detection notices a
// revisited pair.
type TryList []TryEntry

func (t *TryList) add(name string, qtype uint16, status string) {
	*t = append(*t, TryEntry{Name: dns.CanonicalName(name), Qtype: qtype, Status: status})
}

// Seen reports whether (name, qtype) was already attempted in this try
// list.
func (t TryList) Seen(name string, qtype uint16) bool {
	name = dns.CanonicalName(name)
	for _, e := range t {
		if e.Name == name && e.Qtype == qtype {
			return true
		}
	}
	return false
}
