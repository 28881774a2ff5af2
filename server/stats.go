/*
Copyright (c) trftp authors.

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

package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/shkwon98/trftp/protocol"
)

// Stats is the metric collection interface for the server, mirroring the
// counters-by-message-kind shape of the teacher's stats package but backed
// directly by Prometheus client types rather than a hand-rolled registry.
type Stats interface {
	IncTX(kind protocol.MessageKind)
	IncRX(kind protocol.MessageKind)
	IncRetransmit()
	IncDropped(reason string)
	SetActiveTransactions(n int)
}

// PromStats is the default Stats implementation, registering its counters
// on a private registry so multiple Servers in one process (tests) don't
// collide on prometheus's default global registry.
type PromStats struct {
	registry     *prometheus.Registry
	tx           *prometheus.CounterVec
	rx           *prometheus.CounterVec
	retransmits  prometheus.Counter
	dropped      *prometheus.CounterVec
	activeTransfers prometheus.Gauge
}

// NewPromStats builds a fresh, registered PromStats.
func NewPromStats() *PromStats {
	s := &PromStats{
		registry: prometheus.NewRegistry(),
		tx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trftp_server_tx_total",
			Help: "Datagrams sent by the server, by message kind.",
		}, []string{"kind"}),
		rx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trftp_server_rx_total",
			Help: "Datagrams received by the server, by message kind.",
		}, []string{"kind"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trftp_server_retransmits_total",
			Help: "Number of RTX requests honored.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trftp_server_dropped_total",
			Help: "Datagrams dropped by the server, by reason.",
		}, []string{"reason"}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trftp_server_active_transfers",
			Help: "Number of currently active outbound transfers.",
		}),
	}
	s.registry.MustRegister(s.tx, s.rx, s.retransmits, s.dropped, s.activeTransfers)
	return s
}

// IncTX implements Stats.
func (s *PromStats) IncTX(kind protocol.MessageKind) { s.tx.WithLabelValues(kind.String()).Inc() }

// IncRX implements Stats.
func (s *PromStats) IncRX(kind protocol.MessageKind) { s.rx.WithLabelValues(kind.String()).Inc() }

// IncRetransmit implements Stats.
func (s *PromStats) IncRetransmit() { s.retransmits.Inc() }

// IncDropped implements Stats.
func (s *PromStats) IncDropped(reason string) { s.dropped.WithLabelValues(reason).Inc() }

// SetActiveTransactions implements Stats.
func (s *PromStats) SetActiveTransactions(n int) { s.activeTransfers.Set(float64(n)) }

// PrometheusExporter serves the registry's metrics over HTTP, the way
// ptp/sptp/stats.PrometheusExporter exposes sptp's counters.
type PrometheusExporter struct {
	stats      *PromStats
	listenPort int
}

// NewPrometheusExporter builds an exporter for stats listening on port.
func NewPrometheusExporter(stats *PromStats, listenPort int) *PrometheusExporter {
	return &PrometheusExporter{stats: stats, listenPort: listenPort}
}

// Start blocks serving /metrics; callers typically run it in a goroutine.
func (e *PrometheusExporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.stats.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", e.listenPort)
	log.Infof("serving trftp server metrics on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// noopStats discards everything; used where the caller does not want
// metrics wired in (e.g. unit tests of the transaction state machine).
type noopStats struct{}

func (noopStats) IncTX(protocol.MessageKind)          {}
func (noopStats) IncRX(protocol.MessageKind)          {}
func (noopStats) IncRetransmit()                      {}
func (noopStats) IncDropped(string)                   {}
func (noopStats) SetActiveTransactions(int)           {}
