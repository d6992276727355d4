// Package xlog provides the structured logger shared by the resolver and
// balancer packages.
package xlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Base is the package-level logger used when a component is not given one
// explicitly. It writes human-readable console output to stderr.
var Base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetOutput redirects Base to w, preserving the console writer formatting.
// Intended for tests that want to capture log output.
func SetOutput(w io.Writer) {
	Base = zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).With().Timestamp().Logger()
}

// WithPrefix returns a child logger tagging every entry with prefix,
// mirroring the LogPrefix option carried by balancers and resolvers.
func WithPrefix(l zerolog.Logger, prefix string) zerolog.Logger {
	if prefix == "" {
		return l
	}
	return l.With().Str("prefix", prefix).Logger()
}
