// Package hostsfile reads /etc/hosts-style files into a name -> IPs map.
//
// The format is a handful of whitespace-separated fields, so a minimal
// reader suffices.
package hostsfile

import (
	"bufio"
	"io"
	"net"
	"strings"
)

// Entry is one resolvable name found in a hosts file.
type Entry struct {
	Name string
	IP   net.IP
}

// Parse reads hosts-file syntax from r: one IP followed by one or more
// whitespace-separated hostnames per line, "#" starting a comment.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}

		for _, name := range fields[1:] {
			entries = append(entries, Entry{Name: strings.ToLower(name), IP: ip})
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
