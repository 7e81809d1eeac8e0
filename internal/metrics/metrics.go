// Package metrics holds the Prometheus collectors of the conversation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portal"

var (
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "poll_ticks_total",
		Help:      "Completed poll ticks by task and outcome.",
	}, []string{"task", "outcome"})

	StaleResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "stale_responses_total",
		Help:      "Fetch results discarded because their thread or view was no longer active.",
	}, []string{"task"})

	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "mutations_total",
		Help:      "Optimistic mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Events published on the broadcast relay by entity.",
	}, []string{"entity"})

	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	})

	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Currently subscribed views.",
	})

	MountedViews = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "view",
		Name:      "mounted",
		Help:      "Views currently mounted in this instance.",
	})
)
