package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "splitz"

// poolSnapshot is the subset of pgxpool.Stat exported on /metrics.
type poolSnapshot struct {
	Acquired         int32
	Idle             int32
	Total            int32
	Max              int32
	Acquires         int64
	EmptyAcquires    int64
	CanceledAcquires int64
	AcquireWait      time.Duration
}

type poolMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(poolSnapshot) float64
}

type poolCollector struct {
	snapshot func() poolSnapshot
	metrics  []poolMetric
}

// RegisterPoolMetrics exports live pgxpool statistics, read on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(func() poolSnapshot {
		stat := pool.Stat()
		return poolSnapshot{
			Acquired:         stat.AcquiredConns(),
			Idle:             stat.IdleConns(),
			Total:            stat.TotalConns(),
			Max:              stat.MaxConns(),
			Acquires:         stat.AcquireCount(),
			EmptyAcquires:    stat.EmptyAcquireCount(),
			CanceledAcquires: stat.CanceledAcquireCount(),
			AcquireWait:      stat.AcquireDuration(),
		}
	}))
}

func newPoolCollector(snapshot func() poolSnapshot) *poolCollector {
	gauge := func(name, help string, value func(poolSnapshot) float64) poolMetric {
		return poolMetric{
			desc:      prometheus.NewDesc(namespace+"_db_pool_"+name, help, nil, nil),
			valueType: prometheus.GaugeValue,
			value:     value,
		}
	}
	counter := func(name, help string, value func(poolSnapshot) float64) poolMetric {
		m := gauge(name, help, value)
		m.valueType = prometheus.CounterValue
		return m
	}

	return &poolCollector{
		snapshot: snapshot,
		metrics: []poolMetric{
			gauge("acquired", "Connections currently checked out of the pool.",
				func(s poolSnapshot) float64 { return float64(s.Acquired) }),
			gauge("idle", "Idle connections held by the pool.",
				func(s poolSnapshot) float64 { return float64(s.Idle) }),
			gauge("total", "Connections held by the pool, idle or not.",
				func(s poolSnapshot) float64 { return float64(s.Total) }),
			gauge("max", "Configured maximum pool size.",
				func(s poolSnapshot) float64 { return float64(s.Max) }),
			counter("acquires_total", "Successful connection acquisitions.",
				func(s poolSnapshot) float64 { return float64(s.Acquires) }),
			counter("empty_acquires_total", "Acquisitions that had to wait because the pool was empty.",
				func(s poolSnapshot) float64 { return float64(s.EmptyAcquires) }),
			counter("canceled_acquires_total", "Acquisitions abandoned because their context ended.",
				func(s poolSnapshot) float64 { return float64(s.CanceledAcquires) }),
			counter("acquire_wait_seconds_total", "Cumulative time spent acquiring connections.",
				func(s poolSnapshot) float64 { return s.AcquireWait.Seconds() }),
		},
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(s))
	}
}
