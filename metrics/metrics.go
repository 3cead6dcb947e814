// Package metrics exposes billing counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// Prometheus metric names.
const (
	MetricChargesCreatedTotal      = "nexus_charges_created_total"
	MetricPaymentsRecordedTotal    = "nexus_payments_recorded_total"
	MetricPaymentsReversedTotal    = "nexus_payments_reversed_total"
	MetricRemindersSentTotal       = "nexus_reminders_sent_total"
	MetricRemindersSkippedTotal    = "nexus_reminders_skipped_total"
	MetricOverdueFlaggedTotal      = "nexus_overdue_flagged_total"
	MetricReconcileDurationSeconds = "nexus_reconcile_duration_seconds"
)

// Prometheus implements billing.Metrics on its own registry.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Prometheus struct {
	registry *prometheus.Registry

	chargesCreated    *prometheus.CounterVec
	paymentsRecorded  *prometheus.CounterVec
	paymentsReversed  prometheus.Counter
	remindersSent     *prometheus.CounterVec
	remindersSkipped  *prometheus.CounterVec
	overdueFlagged    prometheus.Counter
	reconcileDuration prometheus.Histogram
}

// New creates the collectors and registers them together with the Go
// runtime and process collectors.
func New() *Prometheus {
	registry := prometheus.NewRegistry()

	p := &Prometheus{
		registry: registry,
		chargesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricChargesCreatedTotal,
			Help: "Charges created, by purpose.",
		}, []string{"purpose"}),
		paymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPaymentsRecordedTotal,
			Help: "Payments recorded, by method.",
		}, []string{"method"}),
		paymentsReversed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPaymentsReversedTotal,
			Help: "Payments reversed.",
		}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRemindersSentTotal,
			Help: "Subscription reminders sent, by type.",
		}, []string{"type"}),
		remindersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRemindersSkippedTotal,
			Help: "Subscription reminders skipped as already sent, by type.",
		}, []string{"type"}),
		overdueFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricOverdueFlaggedTotal,
			Help: "Charges whose overdue flag was set by a recompute.",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricReconcileDurationSeconds,
			Help:    "Duration of association reconciliations.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		p.chargesCreated,
		p.paymentsRecorded,
		p.paymentsReversed,
		p.remindersSent,
		p.remindersSkipped,
		p.overdueFlagged,
		p.reconcileDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the underlying registry, e.g. to add collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ChargeCreated(purpose billing.ChargePurpose) {
	p.chargesCreated.WithLabelValues(string(purpose)).Inc()
}

func (p *Prometheus) PaymentRecorded(method billing.PaymentMethod) {
	p.paymentsRecorded.WithLabelValues(string(method)).Inc()
}

func (p *Prometheus) PaymentReversed() { p.paymentsReversed.Inc() }

func (p *Prometheus) ReminderSent(typ billing.ReminderType) {
	p.remindersSent.WithLabelValues(string(typ)).Inc()
}

func (p *Prometheus) ReminderSkipped(typ billing.ReminderType) {
	p.remindersSkipped.WithLabelValues(string(typ)).Inc()
}

func (p *Prometheus) OverdueFlagged(count int) {
	if count > 0 {
		p.overdueFlagged.Add(float64(count))
	}
}

func (p *Prometheus) ReconcileDuration(d time.Duration) {
	p.reconcileDuration.Observe(d.Seconds())
}

var _ billing.Metrics = (*Prometheus)(nil)
