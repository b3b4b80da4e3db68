package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Conexões e comandos
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_connections_total",
			Help: "Total number of connections accepted",
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Entrega local e reenvio
var (
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postoffice_messages_stored_total",
			Help: "Total number of messages persisted by SMTP transactions",
		},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postoffice_message_size_bytes",
			Help:    "Size of accepted messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	RelayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_relay_attempts_total",
			Help: "Outbound delivery attempts per domain",
		},
		[]string{"result"},
	)

	RelayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postoffice_relay_queue_depth",
			Help: "Deliveries waiting in the outbound queue",
		},
	)
)

// Status devolve "success" ou "failure" para rótulos de métricas
func Status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// NewRouter cria o roteador HTTP com /metrics e /healthz
func NewRouter(health func() error) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}
