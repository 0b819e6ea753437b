package shm

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	depthDesc = prometheus.NewDesc(
		"shmq_queue_depth",
		"Number of elements stored in the queue.",
		[]string{"queue"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		"shmq_queue_capacity",
		"Number of slots in the queue.",
		[]string{"queue"}, nil,
	)
	elementSizeDesc = prometheus.NewDesc(
		"shmq_queue_element_size_bytes",
		"Size of one queue element.",
		[]string{"queue"}, nil,
	)
	recoveriesDesc = prometheus.NewDesc(
		"shmq_lock_recoveries_total",
		"Locks taken over from a dead holder, across all processes.",
		[]string{"queue"}, nil,
	)
	operationsDesc = prometheus.NewDesc(
		"shmq_operations_total",
		"Queue operations issued by this process, by kind and result.",
		[]string{"queue", "op", "result"}, nil,
	)
)

// Collector exports the state of a set of queues. The set is read on every
// scrape, so queues may come and go between scrapes.
type Collector struct {
	queues func() []*Queue
}

// NewCollector returns a collector over the queues returned by queues.
func NewCollector(queues func() []*Queue) *Collector {
	return &Collector{queues: queues}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- depthDesc
	ch <- capacityDesc
	ch <- elementSizeDesc
	ch <- recoveriesDesc
	ch <- operationsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range c.queues() {
		name := q.Name()
		h := q.Header()
		ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(h.Used()), name)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(q.Cap()), name)
		ch <- prometheus.MustNewConstMetric(elementSizeDesc, prometheus.GaugeValue, float64(q.ElementSize()), name)
		ch <- prometheus.MustNewConstMetric(recoveriesDesc, prometheus.CounterValue, float64(h.Recoveries), name)

		s := q.Stats()
		for _, v := range []struct {
			op, result string
			n          uint64
		}{
			{"enqueue", "ok", s.Enqueued},
			{"enqueue", "full", s.Full},
			{"dequeue", "ok", s.Dequeued},
			{"dequeue", "empty", s.Empty},
			{"any", "invalid_size", s.InvalidSize},
			{"any", "lock_timeout", s.LockTimeouts},
		} {
			ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(v.n), name, v.op, v.result)
		}
	}
}
