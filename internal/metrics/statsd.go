package metrics

import (
	"strings"
	"time"

	statsd "github.com/smira/go-statsd"
)

const statsdFlushInterval = 200 * time.Millisecond

// Statsd sends metrics as "<prefix>.<metric>" with node and service tags.
type Statsd struct {
	client *statsd.Client
}

func NewStatsd(nodeName string, prefix string, addr string) *Statsd {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	clnt := statsd.NewClient(
		addr,
		statsd.MetricPrefix(prefix),
		statsd.FlushInterval(statsdFlushInterval),
		statsd.TagStyle(statsd.TagFormatInfluxDB),
		statsd.DefaultTags(
			statsd.StringTag("node", nodeName),
			statsd.StringTag("service", "gitops-loop"),
		),
	)
	return &Statsd{
		client: clnt,
	}
}

func (s *Statsd) Increment(metric string) {
	s.client.Incr(metric, 1)
}

// Duration is reported in milliseconds with sub-millisecond precision.
func (s *Statsd) Duration(metric string, duration time.Duration) {
	s.client.PrecisionTiming(metric, duration)
}

func (s *Statsd) Gauge(metric string, value int) {
	s.client.Gauge(metric, int64(value))
}

func (s *Statsd) Close() error {
	return s.client.Close()
}
