package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedVehicles prometheus.Gauge
	VehiclesAdded   prometheus.Counter
	VehiclesSkipped *prometheus.CounterVec // reason label: no_route|short_route|no_driver|not_found

	TicksTotal   prometheus.Counter
	TickDuration prometheus.Histogram

	Transitions *prometheus.CounterVec // outcome label: accepted|rejected

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	Connections     prometheus.Gauge
	EventsDelivered prometheus.Counter
	EgressErrs      prometheus.Counter

	StorageWriteErrs prometheus.Counter

	TickInterval prometheus.Gauge // seconds
}

func NewCollector(tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_simulated_vehicles",
			Help: "Number of vehicles currently in the simulation.",
		}),
		VehiclesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_vehicles_added_total",
			Help: "Total vehicles added to the simulation.",
		}),
		VehiclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_vehicles_skipped_total",
			Help: "Vehicles excluded from simulation.",
		}, []string{"reason"}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_ticks_total",
			Help: "Total simulation ticks processed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of one full simulation tick across all vehicles.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_state_transitions_total",
			Help: "Vehicle status transition attempts.",
		}, []string{"outcome"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_websocket_connections",
			Help: "Number of connected websocket clients.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_delivered_total",
			Help: "Total events delivered to local subscribers.",
		}),
		EgressErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_egress_errors_total",
			Help: "Total failures mirroring events to the message bus.",
		}),
		StorageWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_storage_write_errors_total",
			Help: "Total persistence write failures (simulation keeps running).",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tick_interval_seconds",
			Help: "Simulation tick interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.TrackedVehicles, c.VehiclesAdded, c.VehiclesSkipped,
		c.TicksTotal, c.TickDuration, c.Transitions,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.Connections, c.EventsDelivered, c.EgressErrs,
		c.StorageWriteErrs, c.TickInterval,
	)

	c.TickInterval.Set(tickInterval.Seconds())
	return c
}

// Interface adapters used by the engine, hub, publisher and state
// machine.

func (c *Collector) TrackedVehiclesSet(n int) { c.TrackedVehicles.Set(float64(n)) }
func (c *Collector) VehicleAddedInc()         { c.VehiclesAdded.Inc() }
func (c *Collector) StorageWriteErrInc()      { c.StorageWriteErrs.Inc() }

func (c *Collector) VehicleSkippedInc(reason string) {
	c.VehiclesSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) TickObserve(d time.Duration) {
	c.TicksTotal.Inc()
	c.TickDuration.Observe(d.Seconds())
}

func (c *Collector) ConnectionsSet(n int)           { c.Connections.Set(float64(n)) }
func (c *Collector) EventsDeliveredAdd(n int)       { c.EventsDelivered.Add(float64(n)) }
func (c *Collector) EgressErrInc()                  { c.EgressErrs.Inc() }
func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) TransitionInc(accepted bool) {
	if accepted {
		c.Transitions.WithLabelValues("accepted").Inc()
	} else {
		c.Transitions.WithLabelValues("rejected").Inc()
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
