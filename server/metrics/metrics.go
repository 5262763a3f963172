// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics names the counters/gauges the specification calls
// for without naming an exporter (spec.md §1, §4.8, §8). It wires them
// through real prometheus vectors so they are scrapable even though
// the exporter wiring itself is out of scope.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ClusterStatusGauge mirrors server/cluster.go's collectMetrics():
	// named cluster-wide gauges such as region_total_count,
	// store_up_count, store_down_count.
	ClusterStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "master",
			Subsystem: "cluster",
			Name:      "status",
			Help:      "Cluster status gauges, labeled by metric name.",
		}, []string{"type"})

	// LogSplitDuration records the (duration) half of spec.md §4.8's
	// "(duration, file_count, bytes)" split metrics record.
	LogSplitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "master",
			Subsystem: "logsplit",
			Name:      "duration_seconds",
			Help:      "Duration of WAL split recovery per dead server.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"server"})

	// LogSplitFileCount and LogSplitBytes record the remaining two
	// fields of the same metrics record.
	LogSplitFileCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "master",
			Subsystem: "logsplit",
			Name:      "file_count",
			Help:      "Number of WAL files processed by the last split of a server's log directory.",
		}, []string{"server"})

	LogSplitBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "master",
			Subsystem: "logsplit",
			Name:      "bytes",
			Help:      "Total bytes processed by the last split of a server's log directory.",
		}, []string{"server"})

	// QueueDepth and QueueItemsFailed track the OperationQueue named in
	// spec.md §4.7.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "master",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current depth of the operation queue.",
		})

	QueueItemsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "queue",
			Name:      "items_failed_total",
			Help:      "Operation items that exhausted max_attempts and became FAILED.",
		})

	// AssignmentsReverted counts lost-directive reversions (spec.md
	// §4.6 assignment_timeout).
	AssignmentsReverted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "assigner",
			Name:      "assignments_reverted_total",
			Help:      "Assignment directives considered lost and reverted to unassigned.",
		})
)

func init() {
	prometheus.MustRegister(
		ClusterStatusGauge,
		LogSplitDuration,
		LogSplitFileCount,
		LogSplitBytes,
		QueueDepth,
		QueueItemsFailed,
		AssignmentsReverted,
	)
}
