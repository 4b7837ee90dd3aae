package dbbus

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Producer publishes action envelopes and blocks until the broker
// acknowledges the write. It never retries internally: after a timeout
// the message may or may not have been committed, and a blind re-send
// without idempotency keys could duplicate side effects. Retry policy
// belongs to the caller.
type Producer struct {
	logger         *zap.Logger
	saramaProducer sarama.SyncProducer
}

func NewProducer(cfg Config, logger *zap.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Net.WriteTimeout = 1 * time.Second
	sc.Metadata.Retry.Max = 5

	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create sarama producer")
	}

	return &Producer{logger: logger, saramaProducer: sp}, nil
}

// Send publishes env to topic and waits for the broker ack. Any
// failure is returned as a *PublishError carrying the topic and the
// envelope.
func (p *Producer) Send(ctx context.Context, topic string, env Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return &PublishError{Topic: topic, Envelope: env, Cause: err}
	}

	if err := ctx.Err(); err != nil {
		return &PublishError{Topic: topic, Envelope: env, Cause: err}
	}

	sm := sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.saramaProducer.SendMessage(&sm)
	if err != nil {
		p.logger.Error("publish failed",
			zap.String("topic", topic),
			zap.String("action", string(env.Action)),
			zap.Error(err),
		)

		return &PublishError{Topic: topic, Envelope: env, Cause: err}
	}

	p.logger.Debug("message published",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}

// Close releases the underlying producer.
func (p *Producer) Close() error {
	return errors.WithStack(p.saramaProducer.Close())
}
