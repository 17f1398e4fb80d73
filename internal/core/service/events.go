package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

const sinkTimeout = 5 * time.Second

// EventDispatcher drains the committed-event queue and fans each record out
// to the configured sinks. Sink failures are logged and never retried.
type EventDispatcher struct {
	queue <-chan domain.EventRecord
	sinks []port.EventSink
	wg    sync.WaitGroup
}

func NewEventDispatcher(queue <-chan domain.EventRecord, sinks ...port.EventSink) *EventDispatcher {
	return &EventDispatcher{queue: queue, sinks: sinks}
}

// Start launches workers until the queue is closed.
func (d *EventDispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	log.Infof("started %d event workers", workers)
}

// Wait blocks until every worker has drained the queue.
func (d *EventDispatcher) Wait() {
	d.wg.Wait()
}

func (d *EventDispatcher) workerLoop(id int) {
	for rec := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Publish(ctx, rec); err != nil {
				log.Warnf("worker %d: sink failed for %s %s: %v", id, rec.Event.Kind(), rec.ID, err)
			}
			cancel()
		}
	}
}

// LogSink writes every event to the service log.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, rec domain.EventRecord) error {
	v := domain.NewEventView(rec)
	switch rec.Event.(type) {
	case domain.FundsWithdrawn:
		log.Infof("event %s: seller=%s amount=%s", v.Kind, v.Seller, v.Amount)
	default:
		log.Infof("event %s: item=%d token=%s amount=%s price=%s", v.Kind, rec.ItemID, v.Token, v.Amount, v.Price)
	}
	return nil
}
