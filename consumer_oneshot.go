package dbbus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// One-shot consumers trade throughput for request/response use: a
// synchronously waiting caller fetches exactly one message, dispatches
// it, and gets the result back directly.

// CreateOneShot allocates a one-shot consumer handle for topic.
// An empty groupID gets a unique per-instance group so concurrent
// request/response consumers do not steal each other's assignments.
func (m *ConsumerManager) CreateOneShot(topic, groupID string) error {
	sc, err := createSaramaConfig(m.cfg, true)
	if err != nil {
		return errors.Wrapf(err, "creating one-shot consumer for topic %q", topic)
	}

	if groupID == "" {
		groupID = fmt.Sprintf("%s-oneshot-%s", m.cfg.GroupID, uuid.NewString())
	}

	m.logger.Debug("initializing one-shot consumer",
		zap.String("topic", topic),
		zap.String("group_id", groupID),
		zap.Strings("bootstrap_servers", m.cfg.Brokers),
	)

	m.mu.Lock()
	m.consumers[topic] = &consumerHandle{
		topic:     topic,
		groupID:   groupID,
		oneShot:   true,
		saramaCfg: sc,
	}
	m.mu.Unlock()

	return nil
}

// StartOneShot joins the group and positions the consumer at the next
// uncommitted offset (earliest when the group has no committed
// position). No readiness probe: the caller is synchronously waiting
// for a specific message, not bootstrapping state.
func (m *ConsumerManager) StartOneShot(topic string) error {
	h, err := m.handle(topic)
	if err != nil {
		return err
	}

	if !h.oneShot {
		return errors.Errorf("consumer for topic %q is background, not one-shot", topic)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.started {
		return errors.Errorf("consumer for topic %q already started", topic)
	}

	client, err := sarama.NewClient(m.cfg.Brokers, h.saramaCfg)
	if err != nil {
		return errors.Wrapf(err, "connecting to brokers for topic %q", topic)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()

		return errors.Wrapf(err, "creating consumer for topic %q", topic)
	}

	offsets, err := sarama.NewOffsetManagerFromClient(h.groupID, client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()

		return errors.Wrapf(err, "joining consumer group %q", h.groupID)
	}

	h.client = client
	h.consumer = consumer
	h.offsets = offsets
	h.started = true

	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return errors.Wrapf(err, "listing partitions for topic %q", topic)
	}

	if len(partitions) == 0 {
		return errors.Errorf("topic %q has no partitions", topic)
	}

	partition := partitions[0]
	if len(partitions) > 1 {
		m.logger.Warn("unexpected partition count",
			zap.String("topic", topic),
			zap.Int("partitions", len(partitions)),
		)
	}

	pom, err := offsets.ManagePartition(topic, partition)
	if err != nil {
		return errors.Wrapf(err, "managing offsets for topic %q partition %d", topic, partition)
	}

	// Next uncommitted offset, or Offsets.Initial (earliest) when the
	// group has never committed.
	next, _ := pom.NextOffset()

	pc, err := consumer.ConsumePartition(topic, partition, next)
	if err != nil {
		return errors.Wrapf(err, "consuming topic %q partition %d", topic, partition)
	}

	h.oneShotPOM = pom
	h.oneShotPC = pc

	return nil
}

// ConsumeOne blocks until exactly one message is available, dispatches
// it (read and delete only), and returns the dispatcher's result. The
// call imposes no timeout of its own; callers needing bounded latency
// bound ctx. Broker errors are wrapped and returned, not retried: the
// caller may prefer to re-publish rather than re-read.
func (m *ConsumerManager) ConsumeOne(ctx context.Context, topic string) (any, error) {
	h, err := m.handle(topic)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	pc, pom := h.oneShotPC, h.oneShotPOM
	usable := h.oneShot && h.started && !h.stopped
	m.mu.Unlock()

	if !usable || pc == nil {
		return nil, errors.Wrapf(ErrConsumerNotFound, "one-shot consumer for topic %q is not started", topic)
	}

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for message on topic %q", topic)

	case err := <-pc.Errors():
		return nil, errors.Wrapf(err, "consuming one message from topic %q", topic)

	case cm, ok := <-pc.Messages():
		if !ok {
			return nil, errors.Wrapf(ErrConsumerNotFound, "one-shot consumer for topic %q was stopped", topic)
		}

		pom.MarkOffset(cm.Offset+1, "")

		return m.routeOneShot(ctx, newMessage(cm))
	}
}

// routeOneShot dispatches the request/response actions.
func (m *ConsumerManager) routeOneShot(ctx context.Context, msg Message) (any, error) {
	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		return nil, err
	}

	m.logger.Info("consumed one-shot message",
		zap.String("topic", msg.Topic),
		zap.String("action", string(env.Action)),
		zap.Int64("offset", msg.Offset),
	)

	switch env.Action {
	case ActionRead:
		schemas, operation, columns, filters, err := readPayload(env.Data)
		if err != nil {
			return nil, err
		}

		return m.dispatcher.Read(ctx, schemas, operation, columns, filters)

	case ActionDelete:
		schemas, filters, err := deletePayload(env.Data)
		if err != nil {
			return nil, err
		}

		return m.dispatcher.Delete(ctx, schemas, filters)

	default:
		return nil, errors.Wrapf(ErrUnroutableAction, "one-shot consumer received %q", env.Action)
	}
}
