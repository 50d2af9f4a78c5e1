package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "transitions_total", Help: "Committed workflow transitions by action."},
		[]string{"action"},
	)
	TransitionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "transition_errors_total", Help: "Refused or failed transitions by action and error class."},
		[]string{"action", "reason"},
	)
	Sealing = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "sealing_total", Help: "Sealing pipeline runs by phase and result."},
		[]string{"phase", "result"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "notifications_total", Help: "Outbound notifications by kind and result."},
		[]string{"kind", "result"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "rate_limit_rejected_total", Help: "Public requests rejected by the limiter."},
		[]string{"limiter"},
	)
	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "outbox_jobs_total", Help: "Outbox job outcomes by kind."},
		[]string{"kind", "result"},
	)
	SecurityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "signflow", Name: "security_alerts_total", Help: "Probe thresholds crossed by event and outcome."},
		[]string{"event", "outcome"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(Transitions)
	reg.MustRegister(TransitionErrors)
	reg.MustRegister(Sealing)
	reg.MustRegister(Notifications)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(Jobs)
	reg.MustRegister(SecurityAlerts)
}
