// Package dnstest runs a minimal authoritative DNS server for tests. It
// serves whatever zone text it is given directly, with no delegation: the
// resolver always talks straight to its configured nameservers, so tests
// only need to emulate one hop.
package dnstest

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/miekg/dns"
)

// Port is the UDP port every test server listens on; tests distinguish
// servers by loopback address (127.0.0.x) instead.
const Port = "5354"

// Server is one in-process authoritative DNS server.
type Server struct {
	t *testing.T

	mu sync.Mutex
	db map[uint16]map[string][]dns.RR

	// Queries counts requests received, by "TYPE name" (canonical form).
	Queries map[string]int

	srv dns.Server
}

// New starts a server on addr:Port/udp serving the RFC 1035 style zone
// text, and shuts it down automatically when t finishes.
func New(t *testing.T, addr, zone string) *Server {
	t.Helper()

	s := &Server{
		t:       t,
		db:      map[uint16]map[string][]dns.RR{},
		Queries: map[string]int{},
	}
	s.SetZone(zone)

	ln, err := net.ListenPacket("udp", addr+":"+Port)
	if err != nil {
		t.Fatal(err)
	}

	s.srv = dns.Server{
		PacketConn: ln,
		Handler:    s.handler(),
	}

	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		s.srv.Shutdown()
	})

	go func() {
		err := s.srv.ActivateAndServe()
		select {
		case <-done:
		default:
			if err != nil {
				t.Error(err)
			}
		}
	}()

	return s
}

// Addr returns the "ip:port" nameserver address of the server.
func (s *Server) Addr() string {
	return s.srv.PacketConn.LocalAddr().String()
}

// SetZone replaces the server's entire record set with the given zone
// text, for tests that change DNS answers mid-flight.
func (s *Server) SetZone(zone string) {
	db := map[uint16]map[string][]dns.RR{}

	zp := dns.NewZoneParser(strings.NewReader(strings.TrimSpace(zone)+"\n"), ".", "dnstest.zone")
	zp.SetIncludeAllowed(false)
	for {
		rr, ok := zp.Next()
		if !ok {
			break
		}
		hdr := rr.Header()
		if db[hdr.Rrtype] == nil {
			db[hdr.Rrtype] = map[string][]dns.RR{}
		}
		db[hdr.Rrtype][hdr.Name] = append(db[hdr.Rrtype][hdr.Name], rr)
	}
	if err := zp.Err(); err != nil {
		s.t.Fatal(err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
}

// QueryCount returns how many queries for (qtype, name) the server has
// answered so far.
func (s *Server) QueryCount(qtype uint16, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queries[dns.TypeToString[qtype]+" "+dns.CanonicalName(name)]
}

func (s *Server) handler() dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Authoritative = true

		if len(req.Question) != 1 {
			m.SetRcode(req, dns.RcodeFormatError)
			w.WriteMsg(m)
			return
		}

		q := req.Question[0]

		s.mu.Lock()
		s.Queries[dns.TypeToString[q.Qtype]+" "+dns.CanonicalName(q.Name)]++
		m.Answer = s.db[q.Qtype][q.Name]

		if len(m.Answer) == 0 {
			if cnames := s.db[dns.TypeCNAME][q.Name]; len(cnames) > 0 {
				m.Answer = cnames
			}
		}

		if len(m.Answer) == 0 {
			s.mu.Unlock()
			m.SetRcode(req, dns.RcodeNameError)
			w.WriteMsg(m)
			return
		}

		if q.Qtype == dns.TypeSRV {
			for _, rr := range m.Answer {
				srv, ok := rr.(*dns.SRV)
				if !ok {
					continue
				}
				m.Extra = append(m.Extra, s.db[dns.TypeA][srv.Target]...)
				m.Extra = append(m.Extra, s.db[dns.TypeAAAA][srv.Target]...)
			}
		}
		s.mu.Unlock()

		w.WriteMsg(m)
	})
}
