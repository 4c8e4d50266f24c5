package notify

import (
	"context"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is one delivery request.
type Message struct {
	models.BaseEvent
	Channel    Channel           `json:"channel"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Sender is an external transport collaborator (SMTP relay, SMS gateway).
// Its failures never affect order correctness.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Queue is the dispatch buffer between the core and the delivery worker.
type Queue interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// Dispatcher decouples notification delivery from the transactions that
// trigger it. Send enqueues; the dispatch worker calls Deliver. Failures
// at either step are logged and counted, never propagated.
type Dispatcher struct {
	queue   Queue
	senders map[Channel]Sender
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher over the queue and channel senders.
func NewDispatcher(queue Queue, senders map[Channel]Sender) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		senders: senders,
		logger:  util.GetLogger(),
	}
}

// Send enqueues a delivery request. Fire-and-forget: the caller's
// transaction has already committed and must not be blocked or rolled
// back by dispatch problems.
func (d *Dispatcher) Send(ctx context.Context, channel Channel, recipient, templateID string, payload map[string]string) {
	msg := Message{
		BaseEvent:  broker.NewBaseEvent("NOTIFICATION_DISPATCH"),
		Channel:    channel,
		Recipient:  recipient,
		TemplateID: templateID,
		Payload:    payload,
	}

	if err := d.queue.PublishEvent(ctx, recipient, msg); err != nil {
		util.DispatchFailedTotal.WithLabelValues(string(channel)).Inc()
		d.logger.Error("Failed to enqueue notification",
			zap.String("channel", string(channel)),
			zap.String("recipient", recipient),
			zap.String("template", templateID),
			zap.Error(err))
	}
}

// Deliver hands a dequeued message to its channel sender. Called by the
// dispatch worker. The returned error is for the worker's log only; the
// message is not retried beyond the queue's semantics.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	start := time.Now()
	defer func() {
		util.DispatchLatency.Observe(time.Since(start).Seconds())
	}()

	sender, ok := d.senders[msg.Channel]
	if !ok {
		util.DispatchFailedTotal.WithLabelValues(string(msg.Channel)).Inc()
		d.logger.Error("No sender for channel", zap.String("channel", string(msg.Channel)))
		return nil
	}

	if err := sender.Send(ctx, msg); err != nil {
		util.DispatchFailedTotal.WithLabelValues(string(msg.Channel)).Inc()
		d.logger.Error("Notification delivery failed",
			zap.String("channel", string(msg.Channel)),
			zap.String("recipient", msg.Recipient),
			zap.String("template", msg.TemplateID),
			zap.Error(err))
	}
	return nil
}

// LogSender is the development transport: it logs deliveries instead of
// sending them.
type LogSender struct {
	channel Channel
	logger  *zap.Logger
}

// NewLogSender creates a log-only sender for a channel.
func NewLogSender(channel Channel) *LogSender {
	return &LogSender{channel: channel, logger: util.GetLogger()}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("Notification delivered",
		zap.String("channel", string(s.channel)),
		zap.String("recipient", msg.Recipient),
		zap.String("template", msg.TemplateID))
	return nil
}
