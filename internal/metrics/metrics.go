package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the metrics of one relay run. The process is short lived,
// so metrics are exported with WriteTextfile rather than scraped.
type Collector struct {
	reg *prometheus.Registry

	StopsQueried    prometheus.Counter
	StopsSkipped    prometheus.Counter
	ArrivalsFetched prometheus.Counter
	InvalidArrivals prometheus.Counter
	Groups          prometheus.Gauge
	RateLimited     prometheus.Counter
	WeatherPending  prometheus.Gauge

	PublishAttempts prometheus.Counter
	PublishResults  *prometheus.CounterVec // outcome label: confirmed|unroutable|exhausted|canceled|failed
	QueueConnected  prometheus.Gauge

	RunDuration prometheus.Gauge
	LastSuccess prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		StopsQueried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stops_queried_total",
			Help: "Transit stops queried.",
		}),
		StopsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stops_skipped_total",
			Help: "Transit stops that failed or returned no arrivals.",
		}),
		ArrivalsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_arrivals_fetched_total",
			Help: "Raw arrivals returned by the transit provider.",
		}),
		InvalidArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_arrivals_invalid_total",
			Help: "Arrivals dropped because they failed validation.",
		}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_payload_groups",
			Help: "Number of (line, destination) groups in the published payload.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_rate_limited_total",
			Help: "HTTP 429 responses that triggered a backoff sleep.",
		}),
		WeatherPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_weather_pending",
			Help: "1 if the weather snapshot is the PENDING placeholder.",
		}),
		PublishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_attempts_total",
			Help: "Publish attempts, including reconnects.",
		}),
		PublishResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_publish_results_total",
			Help: "Final publish outcomes.",
		}, []string{"outcome"}),
		QueueConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_connected",
			Help: "1 if the queue session is open, 0 otherwise.",
		}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_last_success_timestamp_seconds",
			Help: "Unix time of the last run whose payload was confirmed.",
		}),
	}

	reg.MustRegister(
		c.StopsQueried, c.StopsSkipped, c.ArrivalsFetched, c.InvalidArrivals, c.Groups,
		c.RateLimited, c.WeatherPending,
		c.PublishAttempts, c.PublishResults, c.QueueConnected,
		c.RunDuration, c.LastSuccess,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) PublishAttempt() { c.PublishAttempts.Inc() }

func (c *Collector) PublishResult(outcome string) {
	c.PublishResults.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetQueueConnected(connected bool) {
	if connected {
		c.QueueConnected.Set(1)
		return
	}
	c.QueueConnected.Set(0)
}

// ObserveRateLimited matches retry.Policy.OnRateLimited.
func (c *Collector) ObserveRateLimited(_ int, _ time.Duration) { c.RateLimited.Inc() }

// ObserveRun records the run duration and, on success, the completion time.
func (c *Collector) ObserveRun(d time.Duration, success bool, at time.Time) {
	c.RunDuration.Set(d.Seconds())
	if success {
		c.LastSuccess.Set(float64(at.Unix()))
	}
}

// WriteTextfile writes every metric to path in the prometheus text format,
// atomically, for the node_exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.reg)
}
