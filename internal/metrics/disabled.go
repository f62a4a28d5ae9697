package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally"
)

func newDisabledScope(Config) (tally.Scope, io.Closer, error) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Reporter: disabledReporter{}}, time.Second)
	return scope, closer, nil
}

type disabledReporter struct{}

func (disabledReporter) ReportCounter(string, map[string]string, int64)       {}
func (disabledReporter) ReportGauge(string, map[string]string, float64)       {}
func (disabledReporter) ReportTimer(string, map[string]string, time.Duration) {}
func (disabledReporter) ReportHistogramValueSamples(
	string, map[string]string, tally.Buckets, float64, float64, int64) {
}
func (disabledReporter) ReportHistogramDurationSamples(
	string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}
func (disabledReporter) Capabilities() tally.Capabilities { return disabledReporter{} }
func (disabledReporter) Reporting() bool                  { return true }
func (disabledReporter) Tagging() bool                    { return false }
func (disabledReporter) Flush()                           {}
