package incident

import "github.com/prometheus/client_golang/prometheus"

var (
	incidentsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "incidents_opened_total",
			Help:      "Incidents created, partitioned by incident type.",
		},
		[]string{"type"},
	)

	incrementsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "incident_increments_total",
			Help:      "Count increments applied to open incidents, partitioned by incident type.",
		},
		[]string{"type"},
	)

	casConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "incident_cas_conflicts_total",
			Help:      "Version conflicts hit while writing incidents, partitioned by operation.",
		},
		[]string{"op"},
	)

	createRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "incident_create_races_total",
			Help:      "Incident creations that lost to a concurrent creator.",
		},
	)

	incrementsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "incident_increments_dropped_total",
			Help:      "Increments abandoned after exhausting CAS retries.",
		},
	)
)

// RegisterMetrics attaches incident collectors to the supplied Prometheus
// registerer.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsOpenedTotal,
		incrementsAppliedTotal,
		casConflictsTotal,
		createRacesTotal,
		incrementsDroppedTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
