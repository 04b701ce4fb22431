package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkSweeper releases expired work item leases. Items whose retry budget ran
// out are returned for alerting.
type WorkSweeper interface {
	ReleaseExpired(ctx context.Context) ([]WorkItem, error)
}

// TaskSweeper settles expired task deliveries.
type TaskSweeper interface {
	ReleaseExpired(ctx context.Context) error
}

// Monitor periodically sweeps both queues for expired leases and delivery
// windows. Claim and receive already reclaim expired rows on demand; the
// sweep exists so stuck work surfaces even when no worker is asking.
type Monitor struct {
	work     WorkSweeper
	tasks    TaskSweeper
	notifier Notifier
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a recovery monitor. notifier may be nil; a non-positive
// interval defaults to one minute.
func NewMonitor(work WorkSweeper, tasks TaskSweeper, notifier Notifier, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		work:     work,
		tasks:    tasks,
		notifier: notifier,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop, with one immediate sweep so a restart settles
// leftovers straight away.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.sweep(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) sweep(ctx context.Context) {
	retired, err := m.work.ReleaseExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Work queue recovery sweep failed")
	}
	for i := range retired {
		item := &retired[i]
		log.Error().
			Str("work_date", item.DateString()).
			Int("retry_count", item.RetryCount).
			Msg("Work item repeatedly lost its lease, surfaced as failed")
		if m.notifier != nil {
			m.notifier.NotifyWorkFailed(ctx, item.DateString(), "lease-loss retry budget exhausted")
		}
	}

	if err := m.tasks.ReleaseExpired(ctx); err != nil {
		log.Error().Err(err).Msg("Task queue recovery sweep failed")
	}
}
