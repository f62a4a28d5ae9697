// Package metrics builds a tally.Scope from configuration, the same
// registry-of-backends shape the rest of this project's dependency stack
// uses: a backend name picks a scopeFactory, and "disabled" is always
// available so a client with no metrics endpoint configured still gets a
// working, inert Scope rather than a nil one callers have to guard against.
package metrics

import (
	"fmt"
	"io"

	"github.com/uber-go/tally"
)

type scopeFactory func(config Config) (tally.Scope, io.Closer, error)

var scopeFactories = map[string]scopeFactory{
	"statsd":   newStatsdScope,
	"disabled": newDisabledScope,
}

// New builds a tally.Scope per config. An empty Backend defaults to
// "disabled". The returned io.Closer must be closed on shutdown to flush
// any buffered reporter state.
func New(config Config) (tally.Scope, io.Closer, error) {
	if config.Backend == "" {
		config.Backend = "disabled"
	}

	f, ok := scopeFactories[config.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("metrics: unknown backend %q", config.Backend)
	}
	return f(config)
}
