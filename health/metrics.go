package health

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type gauges struct {
	pending   prometheus.Gauge
	deferred  prometheus.Gauge
	running   prometheus.Gauge
	succeeded prometheus.Gauge
	failed    prometheus.Gauge
	retryRate prometheus.Gauge
	oldest    prometheus.Gauge
	inflight  prometheus.Gauge
	liveness  prometheus.Gauge
}

func newGauges(reg prometheus.Registerer) *gauges {
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobq",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
		if err := reg.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
					return existing
				}
			}
		}
		return g
	}
	return &gauges{
		pending:   gauge("queue", "pending", "Jobs waiting to be claimed, deferred ones included."),
		deferred:  gauge("queue", "deferred", "Pending jobs whose run time is in the future."),
		running:   gauge("queue", "running", "Claimed jobs across all workers."),
		succeeded: gauge("jobs", "succeeded", "Transitions into succeeded since the store was created."),
		failed:    gauge("jobs", "failed", "Transitions into failed since the store was created."),
		retryRate: gauge("jobs", "retry_rate_per_minute", "Retries per minute over the last minute."),
		oldest:    gauge("queue", "oldest_pending_seconds", "Age of the longest-waiting eligible job."),
		inflight:  gauge("", "inflight", "Jobs executing in this process."),
		liveness:  gauge("", "liveness", "0 healthy, 1 degraded, 2 unhealthy."),
	}
}

func (g *gauges) set(rep Report) {
	s := rep.Snapshot
	g.pending.Set(float64(s.Pending))
	g.deferred.Set(float64(s.Deferred))
	g.running.Set(float64(s.Running))
	g.succeeded.Set(float64(s.Succeeded))
	g.failed.Set(float64(s.Failed))
	g.retryRate.Set(s.RetryRate)
	g.oldest.Set(s.OldestPendingAge.Seconds())
	g.inflight.Set(float64(s.InFlight))

	switch rep.Status {
	case Healthy:
		g.liveness.Set(0)
	case Degraded:
		g.liveness.Set(1)
	default:
		g.liveness.Set(2)
	}
}
