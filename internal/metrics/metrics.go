// Package metrics exposes supervisor and queue counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/printfleet/internal/core"
)

var printerStates = []core.PrinterState{
	core.PrinterDisconnected,
	core.PrinterIdle,
	core.PrinterPrinting,
	core.PrinterPaused,
}

// Collector implements core.ManagerMetrics and core.QueueEventSink.
type Collector struct {
	commandsDispatched *prometheus.CounterVec
	commandTimeouts    *prometheus.CounterVec
	workerCrashes      *prometheus.CounterVec
	activeWorkers      prometheus.Gauge
	printerState       *prometheus.GaugeVec
	queueTransitions   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers every metric on reg. A *prometheus.Registry is also
// used as the gatherer for Handler; other registerers fall back to the
// default gatherer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		commandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_commands_dispatched_total",
			Help: "Printer commands dispatched to workers, by action and result code",
		}, []string{"action", "code"}),
		commandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_command_timeouts_total",
			Help: "Printer commands that got no reply in time",
		}, []string{"action"}),
		workerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_worker_crashes_total",
			Help: "Printer workers found dead and discarded",
		}, []string{"printer"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printfleet_active_workers",
			Help: "Printer workers currently registered",
		}),
		printerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "printfleet_printer_state",
			Help: "1 for the current state of each printer, 0 otherwise",
		}, []string{"printer", "state"}),
		queueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_queue_transitions_total",
			Help: "Committed queue item transitions by event",
		}, []string{"event"}),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(
		c.commandsDispatched,
		c.commandTimeouts,
		c.workerCrashes,
		c.activeWorkers,
		c.printerState,
		c.queueTransitions,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	return c
}

func (c *Collector) CommandDispatched(action, code string) {
	c.commandsDispatched.WithLabelValues(action, code).Inc()
}

func (c *Collector) CommandTimedOut(action string) {
	c.commandTimeouts.WithLabelValues(action).Inc()
}

func (c *Collector) WorkerCrashed(printer string) {
	c.workerCrashes.WithLabelValues(printer).Inc()
}

func (c *Collector) ActiveWorkers(n int) {
	c.activeWorkers.Set(float64(n))
}

func (c *Collector) PrinterStateChanged(printer string, state core.PrinterState) {
	for _, s := range printerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.printerState.WithLabelValues(printer, string(s)).Set(v)
	}
}

func (c *Collector) QueueItemChanged(event string, item core.QueueItem) {
	c.queueTransitions.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
