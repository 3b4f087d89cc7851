// Package metrics exposes supervisor state as Prometheus metrics.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/portvisor/internal/procstat"
	"github.com/benaskins/portvisor/internal/supervisor"
)

const namespace = "portvisor"

// Collector records notifications as metrics. It implements
// supervisor.Observer and owns a private registry.
type Collector struct {
	reg *prometheus.Registry

	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
}

// New creates a collector with every service of ids initialised to stopped.
func New(ids []string) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_state",
			Help:      "Current lifecycle state of each service (1 = current state).",
		}, []string{"service", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions.",
		}, []string{"service", "from", "to"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Operator events by level and kind.",
		}, []string{"level", "kind"}),
	}
	c.reg.MustRegister(c.state, c.transitions, c.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, id := range ids {
		c.setState(id, supervisor.StateStopped)
	}
	return c
}

func (c *Collector) setState(service string, current supervisor.State) {
	for _, st := range supervisor.States {
		v := 0.0
		if st == current {
			v = 1
		}
		c.state.WithLabelValues(service, string(st)).Set(v)
	}
}

func (c *Collector) OnStateChanged(service string, from, to supervisor.State) {
	c.setState(service, to)
	c.transitions.WithLabelValues(service, string(from), string(to)).Inc()
}

func (c *Collector) OnLogEvent(ev supervisor.Event) {
	c.events.WithLabelValues(ev.Level.String(), string(ev.Kind)).Inc()
}

// WatchProcesses adds per-service resource gauges sampled from the live
// processes in snapshot at scrape time.
func (c *Collector) WatchProcesses(snapshot func() supervisor.Snapshot) {
	c.reg.MustRegister(&processCollector{snapshot: snapshot})
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

var (
	memoryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "service", "memory_bytes"),
		"Resident memory of the service process.",
		[]string{"service"}, nil,
	)
	cpuDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "service", "cpu_percent"),
		"CPU usage of the service process.",
		[]string{"service"}, nil,
	)
	threadsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "service", "threads"),
		"Thread count of the service process.",
		[]string{"service"}, nil,
	)
)

type processCollector struct {
	snapshot func() supervisor.Snapshot
}

func (p *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- memoryDesc
	ch <- cpuDesc
	ch <- threadsDesc
}

func (p *processCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range p.snapshot().Services {
		if !st.HasProcess || st.PID <= 0 {
			continue
		}
		u, err := procstat.Sample(st.PID)
		if err != nil {
			slog.Debug("failed to sample service process", "service", st.ID, "pid", st.PID, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(memoryDesc, prometheus.GaugeValue, float64(u.RSS), st.ID)
		ch <- prometheus.MustNewConstMetric(cpuDesc, prometheus.GaugeValue, u.CPUPercent, st.ID)
		ch <- prometheus.MustNewConstMetric(threadsDesc, prometheus.GaugeValue, float64(u.NumThreads), st.ID)
	}
}
