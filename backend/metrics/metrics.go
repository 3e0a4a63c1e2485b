package metrics

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/uber-go/tally"
)

const defaultReportInterval = time.Minute

// NewScope returns the root scope of the process. Its values are
// written to logger every interval. Closing the returned io.Closer
// flushes the last report.
func NewScope(logger *zerolog.Logger, prefix string, interval time.Duration) (tally.Scope, io.Closer) {
	if interval == 0 {
		interval = defaultReportInterval
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:    prefix,
		Separator: ".",
		Reporter:  NewLogReporter(logger),
	}, interval)
}

// LogReporter is a tally.StatsReporter printing metrics as log records.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger *zerolog.Logger) *LogReporter {
	return &LogReporter{
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

func (r *LogReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *LogReporter) Reporting() bool {
	return true
}

func (r *LogReporter) Tagging() bool {
	return true
}

func (r *LogReporter) Flush() {}

func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.logger.Info().Str("metric", name).Fields(tagFields(tags)).Int64("count", value).Msg("counter")
}

func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Info().Str("metric", name).Fields(tagFields(tags)).Float64("value", value).Msg("gauge")
}

func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Info().Str("metric", name).Fields(tagFields(tags)).Dur("interval", interval).Msg("timer")
}

func (r *LogReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	r.logger.Info().Str("metric", name).Fields(tagFields(tags)).
		Float64("lower", bucketLowerBound).
		Float64("upper", bucketUpperBound).
		Int64("samples", samples).
		Msg("histogram")
}

func (r *LogReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	r.logger.Info().Str("metric", name).Fields(tagFields(tags)).
		Dur("lower", bucketLowerBound).
		Dur("upper", bucketUpperBound).
		Int64("samples", samples).
		Msg("histogram")
}

func tagFields(tags map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		out["tag."+k] = v
	}
	return out
}
