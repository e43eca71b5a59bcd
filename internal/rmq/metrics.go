package rmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_messages_consumed_total",
		Help: "Messages delivered to a consumer queue.",
	}, []string{"queue"})

	messagesRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_messages_retried_total",
		Help: "Messages republished after a handler failure.",
	}, []string{"queue"})

	messagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_messages_dead_lettered_total",
		Help: "Messages moved to the dead-letter exchange.",
	}, []string{"queue"})
)
