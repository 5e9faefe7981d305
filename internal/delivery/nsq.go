package delivery

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/mesh-research/remote-api-notifier/internal/config"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
)

// NSQPublisher submits dispatch events to an NSQ topic instead of an
// in-process pool, for deployments where delivery workers run out of
// process (see cmd/worker).
type NSQPublisher struct {
	producer *nsq.Producer
	cfg      config.NSQ
	logger   *logging.Logger
}

// NewNSQPublisher connects a producer to nsqd.
func NewNSQPublisher(cfg config.NSQ, logger *logging.Logger) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQPublisher{producer: producer, cfg: cfg, logger: logger}, nil
}

// Submit publishes the event to the events topic.
func (p *NSQPublisher) Submit(_ context.Context, ev DispatchEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.logger.Plain().WithEvent(ev.EventID).WithError(err).Error("could not marshal dispatch event")
		return
	}
	if err := p.producer.Publish(p.cfg.EventsTopic, b); err != nil {
		p.logger.Plain().WithEvent(ev.EventID).WithError(err).Error("nsq publish failed")
	}
}

// PublishDeadLetter publishes a dead-letter envelope to the DLQ topic.
func (p *NSQPublisher) PublishDeadLetter(dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return p.producer.Publish(p.cfg.DeadLetterTopic, b)
}

// Stop releases the underlying producer.
func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}

// NSQHandler adapts a Deliverer to an NSQ consumer handler. Bad payloads
// are terminal: they are finished, not retried, since redelivery cannot fix
// them. Retry/backoff happens inside the deliverer, so messages are always
// finished after one handling pass.
func NSQHandler(deliverer *Deliverer, logger *logging.Logger) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		var ev DispatchEvent
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			logger.Plain().WithError(err).Error("bad dispatch event payload, discarding")
			return nil
		}
		deliverer.Deliver(context.Background(), ev)
		return nil
	}
}
