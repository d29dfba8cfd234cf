// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for relatively short operations like SIP REGISTER.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
	}
	// durBucketsLong lists histogram buckets for call durations.
	durBucketsLong = []float64{
		1, 10, 60, 5 * 60, 10 * 60, 30 * 60, 3600, 3 * 3600,
	}
)

var connectionStates = []call.ConnectionState{
	call.Disconnected, call.Connecting, call.Connected, call.Registered, call.Error,
}

// Monitor exposes softphone metrics. A nil *Monitor is valid and records nothing.
type Monitor struct {
	nodeID string

	connState    *prometheus.GaugeVec
	registerDur  prometheus.Histogram
	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callsActive  prometheus.Gauge
	inviteErr    *prometheus.CounterVec
	durCall      *prometheus.HistogramVec
	historyPost  *prometheus.CounterVec
	apiRequests  *prometheus.CounterVec
	micAcquire   *prometheus.CounterVec

	metrics []prometheus.Collector
	started core.Fuse
}

func NewMonitor(conf *config.Config) (*Monitor, error) {
	return &Monitor{nodeID: conf.NodeID}, nil
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start(conf *config.Config) error {
	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	labels := prometheus.Labels{"node_id": conf.NodeID}

	m.connState = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "connection_state",
		Help:        "Current signaling connection state (1 for the active state)",
		ConstLabels: labels,
	}, []string{"state"}))

	m.registerDur = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "dur_register_sec",
		Help:        "SIP REGISTER round trip duration",
		ConstLabels: labels,
		Buckets:     durBucketsOp,
	}))

	m.callsStarted = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "calls_started",
		Help:        "Number of calls that entered a ringing state",
		ConstLabels: labels,
	}, []string{"dir", "origin"}))

	m.callsEnded = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "calls_ended",
		Help:        "Number of calls that reached a terminal state",
		ConstLabels: labels,
	}, []string{"dir", "origin", "status"}))

	m.callsActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "calls_active",
		Help:        "Whether a call is currently in progress",
		ConstLabels: labels,
	}))

	m.inviteErr = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "invite_error",
		Help:        "Number of INVITE transactions that ended with a failure",
		ConstLabels: labels,
	}, []string{"dir", "reason"}))

	m.durCall = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "dur_call_sec",
		Help:        "Answered call duration (from answer to hangup)",
		ConstLabels: labels,
		Buckets:     durBucketsLong,
	}, []string{"dir"}))

	m.historyPost = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "history_submissions",
		Help:        "Call history submissions by result",
		ConstLabels: labels,
	}, []string{"result"}))

	m.apiRequests = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "api_requests",
		Help:        "Backend REST requests by operation and status",
		ConstLabels: labels,
	}, []string{"op", "code"}))

	m.micAcquire = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "mic_acquire",
		Help:        "Microphone acquisitions by result (cached, granted, denied)",
		ConstLabels: labels,
	}, []string{"result"}))

	m.started.Break()

	return nil
}

func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) enabled() bool {
	return m != nil && m.started.IsBroken()
}

func (m *Monitor) ConnectionState(st call.ConnectionState) {
	if !m.enabled() {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == st {
			v = 1
		}
		m.connState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Monitor) RegisterDur() func() time.Duration {
	if !m.enabled() {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(m.registerDur).ObserveDuration
}

func (m *Monitor) CallStarted(c call.Call) {
	if !m.enabled() {
		return
	}
	m.callsStarted.WithLabelValues(string(c.Direction), string(c.Origin)).Inc()
	m.callsActive.Set(1)
}

func (m *Monitor) CallEnded(c call.Call, status call.Status) {
	if !m.enabled() {
		return
	}
	m.callsEnded.WithLabelValues(string(c.Direction), string(c.Origin), string(status)).Inc()
	m.callsActive.Set(0)
	if c.Answered && !c.EndTime.IsZero() {
		m.durCall.WithLabelValues(string(c.Direction)).Observe(c.EndTime.Sub(c.AnswerTime).Seconds())
	}
}

func (m *Monitor) InviteError(dir call.Direction, reason string) {
	if !m.enabled() {
		return
	}
	m.inviteErr.WithLabelValues(string(dir), reason).Inc()
}

func (m *Monitor) HistorySubmission(result string) {
	if !m.enabled() {
		return
	}
	m.historyPost.WithLabelValues(result).Inc()
}

func (m *Monitor) APIRequest(op string, code string) {
	if !m.enabled() {
		return
	}
	m.apiRequests.WithLabelValues(op, code).Inc()
}

func (m *Monitor) MicAcquire(result string) {
	if !m.enabled() {
		return
	}
	m.micAcquire.WithLabelValues(result).Inc()
}
