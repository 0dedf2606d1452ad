package services

import "github.com/prometheus/client_golang/prometheus"

var (
	conversationsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_conversations_started_total",
		Help: "Conversations opened from the chat widget.",
	})
	conversationsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_conversations_closed_total",
		Help: "Conversations closed, by reason.",
	}, []string{"reason"})
	conversationsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_conversations_reaped_total",
		Help: "Conversations closed by the idle reaper.",
	})
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Chat messages stored, by sender type.",
	}, []string{"sender"})
)

func init() {
	prometheus.MustRegister(conversationsStarted, conversationsClosed, conversationsReaped, messagesSent)
}
