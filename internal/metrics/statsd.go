package metrics

import (
	"io"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"
)

const (
	flushInterval = 100 * time.Millisecond
	flushBytes    = 512
	sampleRate    = 1.0
)

func newStatsdScope(config Config) (tally.Scope, io.Closer, error) {
	statter, err := statsd.NewBufferedClient(config.Statsd.HostPort, config.Prefix, flushInterval, flushBytes)
	if err != nil {
		return nil, nil, err
	}

	reporter := tallystatsd.NewReporter(statter, tallystatsd.Options{SampleRate: sampleRate})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Reporter: reporter}, time.Second)
	return scope, closer, nil
}
