/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics collects Prometheus counters/gauges/histograms for
// the resolver's socket layer, record cache, and query dedup.
package metrics

import (
	"github.com/mosdns-core/recur/pkg/upstream/socket"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector this resolver exposes.
type Metrics struct {
	UDPOpen  prometheus.Counter
	UDPClose prometheus.Counter
	TCPOpen  prometheus.Counter
	TCPClose prometheus.Counter

	SocketsOpen prometheus.GaugeFunc

	CacheHit  prometheus.Counter
	CacheMiss prometheus.Counter

	QueriesDeduped prometheus.Counter
	QueriesInFlight prometheus.GaugeFunc

	QueryLatency prometheus.Histogram
}

// New builds a Metrics set. mgr, if non-nil, backs the SocketsOpen
// gauge; inFlight, if non-nil, backs the QueriesInFlight gauge.
func New(mgr *socket.Manager, inFlight func() int) *Metrics {
	m := &Metrics{
		UDPOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_udp_sockets_opened_total",
			Help: "The total number of UDP legs dialed to upstream peers.",
		}),
		UDPClose: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_udp_sockets_closed_total",
			Help: "The total number of UDP legs that stopped reading.",
		}),
		TCPOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_tcp_sockets_opened_total",
			Help: "The total number of TCP legs dialed after a truncated UDP reply.",
		}),
		TCPClose: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_tcp_sockets_closed_total",
			Help: "The total number of TCP legs that stopped reading.",
		}),
		CacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_cache_hits_total",
			Help: "The total number of record lookups served from cache.",
		}),
		CacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_cache_misses_total",
			Help: "The total number of record lookups that required resolution.",
		}),
		QueriesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recur_queries_deduped_total",
			Help: "The total number of queries served by joining an in-flight query instead of sending a new one.",
		}),
		QueryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recur_query_latency_milliseconds",
			Help:    "End-to-end client query latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
		}),
	}
	if mgr != nil {
		m.SocketsOpen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "recur_sockets_registered",
			Help: "The number of peer sockets currently registered with the manager.",
		}, func() float64 { return float64(mgr.Len()) })
	}
	if inFlight != nil {
		m.QueriesInFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "recur_queries_in_flight",
			Help: "The number of distinct queries currently being deduplicated.",
		}, func() float64 { return float64(inFlight()) })
	}
	return m
}

// Register registers every non-nil collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.UDPOpen, m.UDPClose, m.TCPOpen, m.TCPClose,
		m.CacheHit, m.CacheMiss, m.QueriesDeduped, m.QueryLatency,
	}
	if m.SocketsOpen != nil {
		collectors = append(collectors, m.SocketsOpen)
	}
	if m.QueriesInFlight != nil {
		collectors = append(collectors, m.QueriesInFlight)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// OnSocketEvent adapts socket.Opts.OnEvent to feed the socket open/close
// counters.
func (m *Metrics) OnSocketEvent(ev socket.Event, addr string) {
	switch ev {
	case socket.EventUDPOpen:
		m.UDPOpen.Inc()
	case socket.EventUDPClose:
		m.UDPClose.Inc()
	case socket.EventTCPOpen:
		m.TCPOpen.Inc()
	case socket.EventTCPClose:
		m.TCPClose.Inc()
	}
}
