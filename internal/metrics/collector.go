package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/loopr/internal/store"
)

// Lister is the read side of a schedule store.
type Lister interface {
	List(ctx context.Context) ([]store.Record, error)
}

// StoreCollector exports every schedule record at scrape time, plus the
// resident memory and CPU time of schedule processes that are alive.
type StoreCollector struct {
	lister  Lister
	alive   func(store.Record) bool
	timeout time.Duration

	schedules  *prometheus.Desc
	executions *prometheus.Desc
	cost       *prometheus.Desc
	up         *prometheus.Desc
	rss        *prometheus.Desc
	cpu        *prometheus.Desc
	listErrors prometheus.Counter
}

// NewStoreCollector builds a collector over l. alive decides whether a
// record's process still runs; nil treats every record as dead.
func NewStoreCollector(l Lister, alive func(store.Record) bool) *StoreCollector {
	return &StoreCollector{
		lister:  l,
		alive:   alive,
		timeout: 5 * time.Second,
		schedules: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "schedules"),
			"Schedules by status.", []string{"status"}, nil),
		executions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "record", "executions"),
			"Executions stored in the schedule record.", []string{"name"}, nil),
		cost: prometheus.NewDesc(prometheus.BuildFQName(namespace, "record", "cost"),
			"Accumulated cost stored in the schedule record.", []string{"name"}, nil),
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "record", "alive"),
			"1 when the schedule process is alive.", []string{"name", "status"}, nil),
		rss: prometheus.NewDesc(prometheus.BuildFQName(namespace, "process", "resident_memory_bytes"),
			"Resident memory of the schedule process.", []string{"name"}, nil),
		cpu: prometheus.NewDesc(prometheus.BuildFQName(namespace, "process", "cpu_seconds_total"),
			"User and system CPU time of the schedule process.", []string{"name"}, nil),
		listErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "list_errors_total",
			Help: "Failed store listings during scrapes.",
		}),
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.schedules
	ch <- c.executions
	ch <- c.cost
	ch <- c.up
	ch <- c.rss
	ch <- c.cpu
	c.listErrors.Describe(ch)
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	defer c.listErrors.Collect(ch)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	recs, err := c.lister.List(ctx)
	if err != nil {
		c.listErrors.Inc()
		return
	}
	counts := make(map[store.Status]int, len(store.Statuses()))
	for _, rec := range recs {
		counts[rec.Status]++
		ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(rec.Executions), rec.Name)
		ch <- prometheus.MustNewConstMetric(c.cost, prometheus.CounterValue, rec.Cost, rec.Name)
		alive := c.alive != nil && c.alive(rec)
		v := 0.0
		if alive {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, v, rec.Name, string(rec.Status))
		if alive {
			c.collectProcess(ch, rec)
		}
	}
	for _, s := range store.Statuses() {
		ch <- prometheus.MustNewConstMetric(c.schedules, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}

func (c *StoreCollector) collectProcess(ch chan<- prometheus.Metric, rec store.Record) {
	p, err := gopsproc.NewProcess(int32(rec.PID))
	if err != nil {
		return
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS), rec.Name)
	}
	if t, err := p.Times(); err == nil && t != nil {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.CounterValue, t.User+t.System, rec.Name)
	}
}
