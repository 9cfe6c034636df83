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

package async

import "github.com/prometheus/client_golang/prometheus"

// metrics are the connection-level Prometheus series: one counter per
// lifecycle event.
type metrics struct {
	commandsSubmitted prometheus.Counter
	repliesDispatched prometheus.Counter
	reconnects        prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		commandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aeredis",
			Subsystem: "async",
			Name:      "commands_submitted_total",
			Help:      "total commands submitted through CommandArgv/FormattedCommand",
		}),
		repliesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aeredis",
			Subsystem: "async",
			Name:      "replies_dispatched_total",
			Help:      "total replies matched to a pending callback",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aeredis",
			Subsystem: "async",
			Name:      "reconnects_total",
			Help:      "total successful connect completions, including failover reconnects",
		}),
	}
}

// WithMetrics installs a fresh metrics set on ctx and returns ctx's
// collectors for registration with a prometheus.Registry (see web.Init).
// Calling it is optional — a Context with no metrics installed simply skips
// the Inc calls.
func (c *Context) WithMetrics() []prometheus.Collector {
	m := newMetrics()
	c.metrics = m
	return []prometheus.Collector{m.commandsSubmitted, m.repliesDispatched, m.reconnects}
}
