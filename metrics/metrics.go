// Package metrics exports channel activity to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ggoodman/ucwa-go/channel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ucwa"

var _ channel.BusyObserver = (*BusyObserver)(nil)

// BusyObserver is a channel.BusyObserver backed by Prometheus collectors.
type BusyObserver struct {
	outstanding prometheus.Gauge
	calls       *prometheus.CounterVec
	idle        prometheus.Counter
}

// NewBusyObserver creates the collectors and registers them with reg. A nil
// reg skips registration.
func NewBusyObserver(reg prometheus.Registerer) (*BusyObserver, error) {
	o := &BusyObserver{
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "outstanding_calls",
			Help:      "Calls submitted and not yet delivered.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "calls_total",
			Help:      "Delivered calls by status code.",
		}, []string{"status"}),
		idle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "idle_total",
			Help:      "Times the outstanding call count dropped to zero.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{o.outstanding, o.calls, o.idle} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}
	return o, nil
}

func (o *BusyObserver) RequestStarted() { o.outstanding.Inc() }

func (o *BusyObserver) RequestFinished(status int) {
	o.outstanding.Dec()
	o.calls.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (o *BusyObserver) Idle() { o.idle.Inc() }

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
