/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a snapshot of the slots of one pooled database.
type PoolStats struct {
	DB           string
	Readers      int
	ReadersBusy  int
	WriterBusy   bool
	QueuedReads  int
	QueuedWrites int
}

// StatsProvider is implemented by pools able to report slot usage.
type StatsProvider interface {
	Stats() []PoolStats
}

// poolStatsMetrics provide description, value, and value type for pool stat metrics.
type poolStatsMetrics []struct {
	desc    *prometheus.Desc
	eval    func(*PoolStats) float64
	valType prometheus.ValueType
}

// PoolCollector collects slot usage of every open database of a pool.
type PoolCollector struct {
	provider StatsProvider
	metrics  poolStatsMetrics
}

func poolStatNamespace(s string) string {
	return prometheus.BuildFQName(namespace, "pool", s)
}

// NewPoolCollector returns a new PoolCollector reading from provider.
func NewPoolCollector(provider StatsProvider) prometheus.Collector {
	labels := []string{"db"}
	return &PoolCollector{
		provider: provider,
		metrics: poolStatsMetrics{
			{
				desc:    prometheus.NewDesc(poolStatNamespace("readers"), "Reader connections.", labels, nil),
				eval:    func(s *PoolStats) float64 { return float64(s.Readers) },
				valType: prometheus.GaugeValue,
			},
			{
				desc:    prometheus.NewDesc(poolStatNamespace("readers_busy"), "Reader connections holding a lock.", labels, nil),
				eval:    func(s *PoolStats) float64 { return float64(s.ReadersBusy) },
				valType: prometheus.GaugeValue,
			},
			{
				desc: prometheus.NewDesc(poolStatNamespace("writer_busy"), "1 if the writer holds a lock.", labels, nil),
				eval: func(s *PoolStats) float64 {
					if s.WriterBusy {
						return 1
					}
					return 0
				},
				valType: prometheus.GaugeValue,
			},
			{
				desc:    prometheus.NewDesc(poolStatNamespace("queued_reads"), "Read lock requests queued in the pool.", labels, nil),
				eval:    func(s *PoolStats) float64 { return float64(s.QueuedReads) },
				valType: prometheus.GaugeValue,
			},
			{
				desc:    prometheus.NewDesc(poolStatNamespace("queued_writes"), "Write lock requests queued in the pool.", labels, nil),
				eval:    func(s *PoolStats) float64 { return float64(s.QueuedWrites) },
				valType: prometheus.GaugeValue,
			},
		},
	}
}

// Describe returns all descriptions of the collector.
func (pc *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, i := range pc.metrics {
		ch <- i.desc
	}
}

// Collect returns the current state of all metrics of the collector.
func (pc *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range pc.provider.Stats() {
		s := s
		for _, i := range pc.metrics {
			ch <- prometheus.MustNewConstMetric(i.desc, i.valType, i.eval(&s), s.DB)
		}
	}
}
