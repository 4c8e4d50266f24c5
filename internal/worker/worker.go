package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/sla"

	"github.com/segmentio/kafka-go"
)

// SweepWorker runs the periodic SLA sweep and the retention purge.
type SweepWorker struct {
	engine        *sla.Engine
	sweepInterval time.Duration
	purgeInterval time.Duration
}

// NewSweepWorker creates a new SLA sweep worker
func NewSweepWorker(engine *sla.Engine, sweepInterval, purgeInterval time.Duration) *SweepWorker {
	return &SweepWorker{
		engine:        engine,
		sweepInterval: sweepInterval,
		purgeInterval: purgeInterval,
	}
}

// Start starts the sweep and purge loops. Blocks until the context is
// cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	log.Printf("Starting SLA sweep worker (sweep every %s, purge every %s)", w.sweepInterval, w.purgeInterval)

	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(w.purgeInterval)
	defer purge.Stop()

	// One sweep up front so a restart does not delay escalations by a
	// full interval.
	if err := w.engine.Sweep(ctx); err != nil {
		log.Printf("SLA sweep error: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("SLA sweep worker stopping...")
			return ctx.Err()
		case <-sweep.C:
			if err := w.engine.Sweep(ctx); err != nil {
				log.Printf("SLA sweep error: %v", err)
			}
		case <-purge.C:
			if err := w.engine.Purge(ctx); err != nil {
				log.Printf("Notification purge error: %v", err)
			}
		}
	}
}

// DispatchWorker drains the notification dispatch topic and hands each
// message to its channel sender.
type DispatchWorker struct {
	consumer   *broker.Consumer
	dispatcher *notify.Dispatcher
}

// NewDispatchWorker creates a new dispatch worker
func NewDispatchWorker(consumer *broker.Consumer, dispatcher *notify.Dispatcher) *DispatchWorker {
	return &DispatchWorker{
		consumer:   consumer,
		dispatcher: dispatcher,
	}
}

// Start starts the dispatch worker
func (w *DispatchWorker) Start(ctx context.Context) error {
	log.Println("Starting dispatch worker...")

	return w.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		var m notify.Message
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			log.Printf("Failed to unmarshal dispatch message: %v", err)
			// Poison message; commit past it.
			return nil
		}
		return w.dispatcher.Deliver(ctx, m)
	})
}

// Stop stops the dispatch worker
func (w *DispatchWorker) Stop() error {
	log.Println("Stopping dispatch worker...")
	return w.consumer.Close()
}
