package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters. Registered on the default registry; a host app that
// exposes /metrics gets them for free, everyone else pays nothing.
var (
	messagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "messages_accepted_total",
		Help:      "Records newly accepted into a conversation log.",
	})
	eventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "events_duplicate_total",
		Help:      "Live events absorbed as duplicates or no-ops.",
	})
	pagesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "history_pages_loaded_total",
		Help:      "History pages fetched and applied.",
	})
	ringPulses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "ring_pulses_total",
		Help:      "New-activity ring pulses emitted.",
	})
	burstTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "burst_tokens_spawned_total",
		Help:      "Reaction burst tokens spawned.",
	})
)
