package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatwire_online_users",
		Help: "Number of users currently believed online",
	})

	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_messages_sent_total",
			Help: "Total outgoing chat messages by kind",
		},
		[]string{"kind"}, // channel|direct
	)

	framesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_frames_dropped_total",
			Help: "Total inbound frames dropped by reason",
		},
		[]string{"reason"}, // malformed|unknown_type
	)

	duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_duplicate_messages_total",
		Help: "Total inbound messages suppressed as echoes of local sends",
	})

	reconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_reconnect_attempts_total",
		Help: "Total reconnection attempts after an unexpected disconnect",
	})

	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_connects_total",
			Help: "Total connection outcomes",
		},
		[]string{"result"}, // ok|failed
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_commands_total",
			Help: "Total slash commands executed by name",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(
		onlineUsers,
		messagesSentTotal,
		framesDroppedTotal,
		duplicatesTotal,
		reconnectAttemptsTotal,
		connectsTotal,
		commandsTotal,
	)
}

func IncSent(kind string)      { messagesSentTotal.WithLabelValues(kind).Inc() }
func IncDropped(reason string) { framesDroppedTotal.WithLabelValues(reason).Inc() }
func IncDuplicate()            { duplicatesTotal.Inc() }
func IncReconnectAttempt()     { reconnectAttemptsTotal.Inc() }
func IncConnect(result string) { connectsTotal.WithLabelValues(result).Inc() }
func IncCommand(name string)   { commandsTotal.WithLabelValues(name).Inc() }
func SetOnline(n int)          { onlineUsers.Set(float64(n)) }
