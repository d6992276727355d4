package resolver

import (
	"fmt"
	"os"

	"github.com/kong/go-dns-balancer/internal/hostsfile"
)

func (r *Resolver) seedHostsFromPath(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	entries, err := hostsfile.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	r.applyHosts(entries)
	return nil
}
