// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	dto "github.com/prometheus/client_model/go"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/rib"
)

// Metrics exports counters and gauges describing the changes committed to the
// tables of a RIB.
type Metrics struct {
	changes    *prometheus.CounterVec
	routes     *prometheus.GaugeVec
	generation *prometheus.GaugeVec
}

// NewMetrics creates the RIB metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fib",
			Name:      "changes_total",
			Help:      "Number of changes committed to a table.",
		}, []string{"family", "fib", "op"}),
		routes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fib",
			Name:      "routes",
			Help:      "Number of routes installed in a table.",
		}, []string{"family", "fib"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fib",
			Name:      "generation",
			Help:      "Generation of the last change committed to a table.",
		}, []string{"family", "fib"}),
	}
	for _, c := range []prometheus.Collector{m.changes, m.routes, m.generation} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("cannot register metric, %v", err)
		}
	}
	return m, nil
}

// Observe updates the metrics for the change rc. The route count is adjusted
// when a route is added to or removed from a table.
func (m *Metrics) Observe(rc *rib.ChangeRecord) {
	fam, fib := rc.Family.String(), fmt.Sprintf("%d", rc.FIB)
	m.changes.WithLabelValues(fam, fib, rc.Op.String()).Inc()
	m.generation.WithLabelValues(fam, fib).Set(float64(rc.Generation))
	switch {
	case rc.Op == constants.ADD && rc.Old == nil:
		m.routes.WithLabelValues(fam, fib).Inc()
	case rc.Op == constants.DELETE && rc.New == nil:
		m.routes.WithLabelValues(fam, fib).Dec()
	}
}

// Routes returns the number of routes installed in table fib of family fam, as
// exported by the metrics.
func (m *Metrics) Routes(fam constants.Family, fib uint32) float64 {
	var pm dto.Metric
	if err := m.routes.WithLabelValues(fam.String(), fmt.Sprintf("%d", fib)).Write(&pm); err != nil {
		return 0
	}
	return pm.GetGauge().GetValue()
}

// Hook returns a function that observes the changes committed to a RIB.
func (m *Metrics) Hook() rib.RIBHookFn {
	return func(_ constants.OpType, _ int64, rc *rib.ChangeRecord) {
		m.Observe(rc)
	}
}
