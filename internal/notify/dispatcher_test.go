package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	published []interface{}
	err       error
}

func (q *fakeQueue) PublishEvent(_ context.Context, _ string, event interface{}) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, event)
	return nil
}

type fakeSender struct {
	sent []Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestSendEnqueues(t *testing.T) {
	queue := &fakeQueue{}
	d := NewDispatcher(queue, nil)

	d.Send(context.Background(), ChannelEmail, "seller@example.com", "sla_warning", map[string]string{"order": "42"})

	require.Len(t, queue.published, 1)
	msg := queue.published[0].(Message)
	assert.Equal(t, ChannelEmail, msg.Channel)
	assert.Equal(t, "seller@example.com", msg.Recipient)
	assert.Equal(t, "sla_warning", msg.TemplateID)
}

func TestSendSwallowsQueueFailure(t *testing.T) {
	queue := &fakeQueue{err: errors.New("broker down")}
	d := NewDispatcher(queue, nil)

	// Must not panic or propagate.
	d.Send(context.Background(), ChannelSMS, "+100", "order_cancelled", nil)
	assert.Empty(t, queue.published)
}

func TestDeliverRoutesToChannelSender(t *testing.T) {
	email := &fakeSender{}
	sms := &fakeSender{}
	d := NewDispatcher(&fakeQueue{}, map[Channel]Sender{
		ChannelEmail: email,
		ChannelSMS:   sms,
	})

	err := d.Deliver(context.Background(), Message{Channel: ChannelSMS, Recipient: "+100"})
	require.NoError(t, err)
	assert.Empty(t, email.sent)
	assert.Len(t, sms.sent, 1)
}

func TestDeliverSwallowsSenderFailure(t *testing.T) {
	email := &fakeSender{err: errors.New("smtp refused")}
	d := NewDispatcher(&fakeQueue{}, map[Channel]Sender{ChannelEmail: email})

	err := d.Deliver(context.Background(), Message{Channel: ChannelEmail, Recipient: "x"})
	assert.NoError(t, err, "sender failures are logged, not propagated")
}

func TestDeliverUnknownChannel(t *testing.T) {
	d := NewDispatcher(&fakeQueue{}, map[Channel]Sender{})
	err := d.Deliver(context.Background(), Message{Channel: "pigeon"})
	assert.NoError(t, err)
}
