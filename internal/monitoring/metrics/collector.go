// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rheap"

var (
	descIterations = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uncommit", "iterations_total"),
		"Wake-ups of the uncommit controller loop.", nil, nil)
	descPasses = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uncommit", "passes_total"),
		"Uncommit passes run, by trigger.", []string{"trigger"}, nil)
	descRegions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uncommit", "regions_total"),
		"Regions returned to the operating system.", nil, nil)
	descBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uncommit", "bytes_total"),
		"Bytes returned to the operating system.", nil, nil)
	descPassLatency = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uncommit", "pass_duration_seconds"),
		"Duration of recent uncommit passes.", nil, nil)
	descNotifications = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uncommit", "notifications_total"),
		"Controller wake-up requests, by kind and whether they were coalesced.",
		[]string{"kind", "coalesced"}, nil)
	descCommitted = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heap", "committed_bytes"),
		"Bytes backed by memory.", nil, nil)
	descUsed = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heap", "used_bytes"),
		"Bytes in regions owned by mutators.", nil, nil)
	descSoftMax = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heap", "soft_max_bytes"),
		"Current soft max capacity.", nil, nil)
	descFailures = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heap", "uncommit_failures_total"),
		"Backing releases that reported an error.", nil, nil)
)

// collector exposes a Metrics snapshot as constant Prometheus metrics.
type collector struct {
	m *Metrics
}

// Collector returns a prometheus.Collector reading from m on every scrape.
func (m *Metrics) Collector() prometheus.Collector {
	return &collector{m: m}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descIterations
	ch <- descPasses
	ch <- descRegions
	ch <- descBytes
	ch <- descPassLatency
	ch <- descNotifications
	ch <- descCommitted
	ch <- descUsed
	ch <- descSoftMax
	ch <- descFailures
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.GetStats()
	u := s.Uncommit
	n := s.Notifications

	ch <- prometheus.MustNewConstMetric(descIterations, prometheus.CounterValue, float64(u.Iterations))
	ch <- prometheus.MustNewConstMetric(descPasses, prometheus.CounterValue, float64(u.UrgentPasses), "urgent")
	ch <- prometheus.MustNewConstMetric(descPasses, prometheus.CounterValue, float64(u.Passes-u.UrgentPasses), "periodic")
	ch <- prometheus.MustNewConstMetric(descRegions, prometheus.CounterValue, float64(u.Regions))
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(u.Bytes))

	l := s.PassLatency
	quantiles := map[float64]float64{
		0.5:   l.P50.Seconds(),
		0.95:  l.P95.Seconds(),
		0.99:  l.P99.Seconds(),
		0.999: l.P999.Seconds(),
	}
	sum := l.Mean.Seconds() * float64(l.Count)
	ch <- prometheus.MustNewConstSummary(descPassLatency, l.Count, sum, quantiles)

	ch <- prometheus.MustNewConstMetric(descNotifications, prometheus.CounterValue, float64(n.SoftMaxRaised), KindSoftMax, "false")
	ch <- prometheus.MustNewConstMetric(descNotifications, prometheus.CounterValue, float64(n.SoftMaxCoalesced), KindSoftMax, "true")
	ch <- prometheus.MustNewConstMetric(descNotifications, prometheus.CounterValue, float64(n.ExplicitGCRaised), KindExplicitGC, "false")
	ch <- prometheus.MustNewConstMetric(descNotifications, prometheus.CounterValue, float64(n.ExplicitGCCoalesced), KindExplicitGC, "true")

	ch <- prometheus.MustNewConstMetric(descCommitted, prometheus.GaugeValue, float64(s.Heap.Committed))
	ch <- prometheus.MustNewConstMetric(descUsed, prometheus.GaugeValue, float64(s.Heap.Used))
	ch <- prometheus.MustNewConstMetric(descSoftMax, prometheus.GaugeValue, float64(s.Heap.SoftMaxCapacity))
	ch <- prometheus.MustNewConstMetric(descFailures, prometheus.CounterValue, float64(s.Heap.UncommitFailures))
}
