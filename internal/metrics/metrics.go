// Package metrics exposes prometheus counters for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dmarc"

var (
	Items = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_total",
		Help:      "Mailbox items by outcome.",
	}, []string{"mailbox", "outcome"})

	Reports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_total",
		Help:      "Parsed reports by kind.",
	}, []string{"kind"})

	Duplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_total",
		Help:      "Reports recognised as duplicates.",
	}, []string{"kind"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Sink delivery attempts by result.",
	}, []string{"sink", "result"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Reports written to the dead letter store.",
	}, []string{"sink"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Item level errors by stage.",
	}, []string{"stage"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
