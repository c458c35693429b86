package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// PrometheusSink counts activity entries by key.
type PrometheusSink struct {
	entries *prometheus.CounterVec
}

// NewPrometheusSink registers the collector against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportd_activity_entries_total",
			Help: "Activity entries narrated, partitioned by key.",
		}, []string{"key"}),
	}
	if err := reg.Register(s.entries); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				s.entries = existing
				return s, nil
			}
		}
		return nil, fmt.Errorf("register activity collector: %w", err)
	}
	return s, nil
}

// Consume increments the per-key counter.
func (s *PrometheusSink) Consume(_ context.Context, batch []report.ActivityEntry) error {
	for _, e := range batch {
		s.entries.WithLabelValues(e.Key).Inc()
	}
	return nil
}

// Close implements activity.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
