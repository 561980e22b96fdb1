// Service layer of internal package metrics which keeps Trophonius's live relay counters.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service layer of internal package metrics encapsulating the prometheus collectors of Trophonius.
type Service interface {
	// ConnectionOpened bumps the live connection gauge when a device socket is accepted.
	ConnectionOpened()
	// ConnectionClosed drops the live connection gauge when a device socket closes.
	ConnectionClosed()
	// FanoutReceived counts one fan-out request taken off the admin channel.
	FanoutReceived()
	// Delivered counts notification lines successfully written to device sockets.
	Delivered(n int)
	// Failed counts notification lines which couldn't be written.
	Failed(n int)
	// Handler exposes the collectors in prometheus exposition format.
	Handler() http.Handler
}

// Object of this will be passed around from main to the listeners and the router.
// Helps to access the service layer interface and call methods.
type service struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	fanouts     prometheus.Counter
	delivered   prometheus.Counter
	failed      prometheus.Counter
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
func NewService() Service {
	reg := prometheus.NewRegistry()
	s := service{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trophonius_connections",
			Help: "Number of live device connections.",
		}),
		fanouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trophonius_fanout_requests_total",
			Help: "Number of fan-out requests received on the admin channel.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trophonius_notifications_delivered_total",
			Help: "Number of notification lines delivered to device sockets.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trophonius_notifications_failed_total",
			Help: "Number of notification lines which failed to deliver.",
		}),
	}
	reg.MustRegister(s.connections, s.fanouts, s.delivered, s.failed)
	return s
}

func (s service) ConnectionOpened() {
	s.connections.Inc()
}

func (s service) ConnectionClosed() {
	s.connections.Dec()
}

func (s service) FanoutReceived() {
	s.fanouts.Inc()
}

func (s service) Delivered(n int) {
	s.delivered.Add(float64(n))
}

func (s service) Failed(n int) {
	s.failed.Add(float64(n))
}

func (s service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
