// Copyright (c) 2022 The rcproxy Authors
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

package ae

import "github.com/prometheus/client_golang/prometheus"

// metrics are the loop-level Prometheus series exposed through the admin
// HTTP /metrics endpoint.
type metrics struct {
	completionsPumped prometheus.Counter
	activeSlots       prometheus.Gauge
	registerFailures  prometheus.Counter
}

func newMetrics() metrics {
	return metrics{
		completionsPumped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aeredis",
			Subsystem: "loop",
			Name:      "completions_pumped_total",
			Help:      "total completions dispatched by the event loop",
		}),
		activeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aeredis",
			Subsystem: "loop",
			Name:      "active_slots",
			Help:      "number of attached file-event slots",
		}),
		registerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aeredis",
			Subsystem: "loop",
			Name:      "register_failures_total",
			Help:      "descriptor registrations rejected for lack of a free slot or by the poller",
		}),
	}
}

// Collectors exposes the loop's metrics for registration with a
// prometheus.Registry (see web.Init).
func (l *Loop) Collectors() []prometheus.Collector {
	return []prometheus.Collector{l.metrics.completionsPumped, l.metrics.activeSlots, l.metrics.registerFailures}
}
