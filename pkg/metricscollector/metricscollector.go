/*
Copyright 2024 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metricscollector

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bdemchak/jupyter-bridge/version"
)

const DefaultPromMetricsNamespace = "jupyter_bridge"

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: DefaultPromMetricsNamespace,
			Name:      "build_info",
			Help:      "Info metric, with static information about the jupyter-bridge build like: version, git commit and Golang runtime info.",
		},
		[]string{"version", "git_commit", "goversion", "goos", "goarch"},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DefaultPromMetricsNamespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "The total number of messages accepted per direction.",
		},
		[]string{"direction"},
	)
	messageBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DefaultPromMetricsNamespace,
			Subsystem: "relay",
			Name:      "message_bytes_total",
			Help:      "The cumulative payload bytes accepted per direction.",
		},
		[]string{"direction"},
	)
	dequeueTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DefaultPromMetricsNamespace,
			Subsystem: "relay",
			Name:      "dequeue_timeouts_total",
			Help:      "The total number of dequeues that gave up without a message.",
		},
		[]string{"direction"},
	)
	redundantReadersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DefaultPromMetricsNamespace,
			Subsystem: "relay",
			Name:      "redundant_readers_total",
			Help:      "The total number of dequeues rejected because another waiter held the slot.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(buildInfo, messagesTotal, messageBytesTotal, dequeueTimeoutsTotal, redundantReadersTotal)
	RecordBuildInfo()
}

// RecordBuildInfo publishes information about the jupyter-bridge version and
// runtime info through an info metric (gauge).
func RecordBuildInfo() {
	buildInfo.WithLabelValues(version.Version, version.GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH).Set(1)
}

// RecordMessage counts one accepted payload for a direction.
func RecordMessage(direction string, sizeBytes int) {
	messagesTotal.WithLabelValues(direction).Inc()
	messageBytesTotal.WithLabelValues(direction).Add(float64(sizeBytes))
}

// RecordDequeueTimeout counts a dequeue that returned empty-handed.
func RecordDequeueTimeout(direction string) {
	dequeueTimeoutsTotal.WithLabelValues(direction).Inc()
}

// RecordRedundantReader counts a dequeue rejected by the reader interlock.
func RecordRedundantReader(direction string) {
	redundantReadersTotal.WithLabelValues(direction).Inc()
}
