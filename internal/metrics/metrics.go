// Package metrics provides the ambient delivery-statistics boundary that
// internal/bus, internal/badgestore, and internal/liveness record into. It
// mirrors the teacher's metrics_exporters.go shape: a pull-based Prometheus
// collector plus a push-based Datadog/StatsD exporter, both reading off a
// lock-free snapshot rather than instrumenting the hot path directly.
package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	statsd "github.com/DataDog/datadog-go/v5/statsd"

	"github.com/cloudsync/badgebus/pkg/event"
)

// Recorder is the full metrics surface used across the module. bus.Server
// only needs the Publish/Overflow/Delivered trio (see bus.MetricsRecorder);
// badgestore and liveness additionally record dropped/reclaimed counts.
type Recorder interface {
	RecordPublish(channel event.Channel)
	RecordOverflow(channel event.Channel)
	RecordDelivered(channel event.Channel)
	RecordDropped(kind event.BadgeKind)
	RecordReclaimed(n int)
}

// channelStats holds the cumulative counters for one channel. All fields
// are accessed only through atomic ops so Snapshot never takes a lock.
type channelStats struct {
	published uint64
	overflow  uint64
	delivered uint64
}

// Store is the concrete, in-memory Recorder implementation. It keeps one
// channelStats per event.Channel plus a per-BadgeKind dropped counter and
// a reclaimed total, all atomic — matching the teacher's "lock-free hot
// path, snapshot pulls allocate fresh maps" design goal.
type Store struct {
	perChannel [2]channelStats // indexed by event.Channel
	dropped    [5]uint64       // indexed by event.BadgeKind
	reclaimed  uint64
}

// NewStore constructs an empty Store.
func NewStore() *Store { return &Store{} }

func (s *Store) RecordPublish(channel event.Channel) {
	atomic.AddUint64(&s.perChannel[channel].published, 1)
}

func (s *Store) RecordOverflow(channel event.Channel) {
	atomic.AddUint64(&s.perChannel[channel].overflow, 1)
}

func (s *Store) RecordDelivered(channel event.Channel) {
	atomic.AddUint64(&s.perChannel[channel].delivered, 1)
}

func (s *Store) RecordDropped(kind event.BadgeKind) {
	atomic.AddUint64(&s.dropped[kind], 1)
}

func (s *Store) RecordReclaimed(n int) {
	atomic.AddUint64(&s.reclaimed, uint64(n))
}

// ChannelSnapshot is a point-in-time copy of one channel's counters.
type ChannelSnapshot struct {
	Channel   event.Channel
	Published uint64
	Overflow  uint64
	Delivered uint64
}

// Snapshot returns a fresh copy of every channel's counters, safe to range
// over without racing further Record* calls.
func (s *Store) Snapshot() []ChannelSnapshot {
	out := make([]ChannelSnapshot, 0, len(s.perChannel))
	for i := range s.perChannel {
		ch := event.Channel(i)
		out = append(out, ChannelSnapshot{
			Channel:   ch,
			Published: atomic.LoadUint64(&s.perChannel[i].published),
			Overflow:  atomic.LoadUint64(&s.perChannel[i].overflow),
			Delivered: atomic.LoadUint64(&s.perChannel[i].delivered),
		})
	}
	return out
}

// Reclaimed returns the cumulative count of subscriptions/badges reclaimed
// by liveness sweeps.
func (s *Store) Reclaimed() uint64 { return atomic.LoadUint64(&s.reclaimed) }

var _ Recorder = (*Store)(nil)

// ----- Prometheus Collector -----

// PrometheusCollector implements prometheus.Collector over a Store,
// exposing cumulative counters per channel:
//
//	badgebus_published_total{channel="<name>"}
//	badgebus_overflow_total{channel="<name>"}
//	badgebus_delivered_total{channel="<name>"}
//	badgebus_reclaimed_total
//
// Namespace can be customized via the namespace constructor param.
type PrometheusCollector struct {
	store *Store

	publishedDesc *prometheus.Desc
	overflowDesc  *prometheus.Desc
	deliveredDesc *prometheus.Desc
	reclaimedDesc *prometheus.Desc
}

// NewPrometheusCollector creates a new collector reading off store.
// namespace defaults to "badgebus" when empty.
func NewPrometheusCollector(store *Store, namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "badgebus"
	}
	return &PrometheusCollector{
		store: store,
		publishedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_published_total", namespace),
			"Total events published (cumulative)",
			[]string{"channel"}, nil,
		),
		overflowDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_overflow_total", namespace),
			"Total subscriber queue overflows (cumulative)",
			[]string{"channel"}, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_delivered_total", namespace),
			"Total events delivered to subscribers (cumulative)",
			[]string{"channel"}, nil,
		),
		reclaimedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_reclaimed_total", namespace),
			"Total subscriptions/badges reclaimed by liveness sweeps (cumulative)",
			nil, nil,
		),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.publishedDesc
	ch <- c.overflowDesc
	ch <- c.deliveredDesc
	ch <- c.reclaimedDesc
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range c.store.Snapshot() {
		label := snap.Channel.String()
		ch <- prometheus.MustNewConstMetric(c.publishedDesc, prometheus.CounterValue, float64(snap.Published), label)
		ch <- prometheus.MustNewConstMetric(c.overflowDesc, prometheus.CounterValue, float64(snap.Overflow), label)
		ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(snap.Delivered), label)
	}
	ch <- prometheus.MustNewConstMetric(c.reclaimedDesc, prometheus.CounterValue, float64(c.store.Reclaimed()))
}

// ----- Datadog / StatsD Exporter -----

var errInvalidInterval = fmt.Errorf("metrics: interval must be > 0")

// DatadogStatsdExporter periodically flushes Store's cumulative counters as
// gauges to DogStatsD / StatsD, pull-based the same way the teacher's
// exporter is: each interval it reads current counts and submits them.
type DatadogStatsdExporter struct {
	store    *Store
	client   *statsd.Client
	interval time.Duration
	baseTags []string
}

// NewDatadogStatsdExporter creates a new exporter. addr example:
// "127.0.0.1:8125". prefix defaults to "badgebus" when empty.
func NewDatadogStatsdExporter(store *Store, prefix, addr string, interval time.Duration, baseTags []string) (*DatadogStatsdExporter, error) {
	if store == nil {
		return nil, fmt.Errorf("metrics: nil store supplied")
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	if prefix == "" {
		prefix = "badgebus"
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."))
	if err != nil {
		return nil, fmt.Errorf("metrics: creating statsd client: %w", err)
	}
	return &DatadogStatsdExporter{store: store, client: client, interval: interval, baseTags: baseTags}, nil
}

// Run starts the export loop until context cancellation.
func (e *DatadogStatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *DatadogStatsdExporter) flush() {
	for _, snap := range e.store.Snapshot() {
		tags := append(append([]string{}, e.baseTags...), "channel:"+snap.Channel.String())
		_ = e.client.Gauge("published_total", float64(snap.Published), tags, 1)
		_ = e.client.Gauge("overflow_total", float64(snap.Overflow), tags, 1)
		_ = e.client.Gauge("delivered_total", float64(snap.Delivered), tags, 1)
	}
	_ = e.client.Gauge("reclaimed_total", float64(e.store.Reclaimed()), e.baseTags, 1)
}

// Close closes the underlying statsd client.
func (e *DatadogStatsdExporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("metrics: closing statsd client: %w", err)
	}
	return nil
}
