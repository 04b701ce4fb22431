package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// DepthSource reports the current queue populations. Implementations query
// the database, so calls happen only on scrape.
type DepthSource interface {
	WorkQueueDepth(ctx context.Context) (int, error)
	TaskQueueDepth(ctx context.Context) (int, error)
	DLQSize(ctx context.Context) (int, error)
}

const scrapeTimeout = 5 * time.Second

// RegisterScaleSignal exposes the queue-depth gauges an autoscaler watches:
// work_queue_depth, task_queue_depth and dlq_size. A failed read reports -1
// so it cannot be mistaken for an empty queue.
func RegisterScaleSignal(registry *prometheus.Registry, source DepthSource) {
	if registry == nil || source == nil {
		return
	}

	gauge := func(name, help string, read func(ctx context.Context) (int, error)) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
			defer cancel()
			depth, err := read(ctx)
			if err != nil {
				log.Warn().Err(err).Str("gauge", name).Msg("Queue depth read failed during scrape")
				return -1
			}
			return float64(depth)
		})
	}

	registry.MustRegister(
		gauge("work_queue_depth", "Work items waiting to be claimed", source.WorkQueueDepth),
		gauge("task_queue_depth", "Tasks awaiting delivery or redelivery", source.TaskQueueDepth),
		gauge("dlq_size", "Quarantined tasks awaiting operator action", source.DLQSize),
	)
}
