package dbbus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ActionDispatcher is the dispatch surface the consumer manager routes
// decoded envelopes to.
type ActionDispatcher interface {
	Write(ctx context.Context, recordType string, fields map[string]any) (Record, error)
	Read(ctx context.Context, recordType, operation string, columns []string, filters []Filter) (any, error)
	Update(ctx context.Context, recordType string, updates []Update, filters []Filter) (int64, error)
	Delete(ctx context.Context, recordType string, filters []Filter) (int64, error)
	SaveRequestLog(ctx context.Context, data map[string]any) error
	SaveResponseLog(ctx context.Context, data map[string]any) error
}

// ConsumerManager owns the per-topic consumer registry. No other
// component starts or stops a consumer directly.
type ConsumerManager struct {
	cfg         Config
	logger      *zap.Logger
	dispatcher  ActionDispatcher
	middlewares []Middleware

	mu        sync.Mutex
	consumers map[string]*consumerHandle
}

func NewConsumerManager(
	cfg Config,
	dispatcher ActionDispatcher,
	logger *zap.Logger,
	middlewares ...Middleware,
) *ConsumerManager {
	return &ConsumerManager{
		cfg:         cfg,
		logger:      logger,
		dispatcher:  dispatcher,
		middlewares: middlewares,
		consumers:   make(map[string]*consumerHandle),
	}
}

type consumerHandle struct {
	topic   string
	groupID string
	oneShot bool

	saramaCfg *sarama.Config

	client   sarama.Client
	consumer sarama.Consumer
	offsets  sarama.OffsetManager

	// Background mode: one drain state per assigned partition.
	partitions []*partitionState

	// One-shot mode.
	oneShotPC  sarama.PartitionConsumer
	oneShotPOM sarama.PartitionOffsetManager

	started bool
	stopped bool
}

type partitionState struct {
	partition   int32
	pc          sarama.PartitionConsumer
	pom         sarama.PartitionOffsetManager
	probeOffset int64 // offset of the readiness probe message, -1 when none
}

func createSaramaConfig(cfg Config, oneShot bool) (*sarama.Config, error) {
	c := sarama.NewConfig()

	v, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse Kafka version: %s", cfg.Version)
	}

	c.Version = v
	c.ClientID = cfg.ClientID

	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.AutoCommit.Enable = true
	c.Consumer.Offsets.AutoCommit.Interval = cfg.AutoCommitInterval
	c.Consumer.MaxProcessingTime = time.Duration(cfg.MaxProcessingTime) * time.Millisecond

	if oneShot {
		// Request/response use: start from the earliest uncommitted
		// record and keep each fetch to a single message.
		c.Consumer.Offsets.Initial = sarama.OffsetOldest
		c.Consumer.Fetch.Default = 1
	} else {
		c.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	c.Net.SASL.Password = cfg.Password
	c.Net.SASL.User = cfg.Username
	c.Net.SASL.Mechanism = sarama.SASLTypePlaintext

	if cfg.CACert != "" {
		c.Net.SASL.Enable = true
		c.Net.TLS.Enable = true

		rootCAs, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.New("could not create ca cert pool")
		}

		if rootCAs == nil {
			rootCAs = x509.NewCertPool()
		}

		if ok := rootCAs.AppendCertsFromPEM([]byte(cfg.CACert)); !ok {
			return nil, errors.New("could not append ca cert")
		}

		c.Net.TLS.Config = &tls.Config{
			RootCAs:    rootCAs,
			MinVersion: tls.VersionTLS12,
		}
	}

	return c, nil
}

// CreateBackground allocates a background consumer handle bound to
// topic under groupID. The broker is not contacted until Consume.
func (m *ConsumerManager) CreateBackground(topic, groupID string) error {
	sc, err := createSaramaConfig(m.cfg, false)
	if err != nil {
		return errors.Wrapf(err, "creating consumer for topic %q", topic)
	}

	m.logger.Debug("initializing background consumer",
		zap.String("topic", topic),
		zap.String("group_id", groupID),
		zap.Strings("bootstrap_servers", m.cfg.Brokers),
	)

	m.mu.Lock()
	m.consumers[topic] = &consumerHandle{
		topic:     topic,
		groupID:   groupID,
		saramaCfg: sc,
	}
	m.mu.Unlock()

	return nil
}

func (m *ConsumerManager) handle(topic string) (*consumerHandle, error) {
	m.mu.Lock()
	h, ok := m.consumers[topic]
	m.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrConsumerNotFound, "%q", topic)
	}

	return h, nil
}

// start joins the broker: for each partition of the handle's topic it
// queries the log end offset and positions the consumer. A non-empty
// partition is entered at end-1 so the first message read is a
// readiness probe, confirming the consumer can read without draining
// historical backlog. An empty partition is entered at the newest
// offset and stays idle until data appears.
func (m *ConsumerManager) start(h *consumerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.started {
		return errors.Errorf("consumer for topic %q already started", h.topic)
	}

	client, err := sarama.NewClient(m.cfg.Brokers, h.saramaCfg)
	if err != nil {
		return errors.Wrapf(err, "connecting to brokers for topic %q", h.topic)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()

		return errors.Wrapf(err, "creating consumer for topic %q", h.topic)
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
	// From here on Stop can release everything acquired so far, even
	// if positioning a partition fails below.
	h.started = true

	partitions, err := consumer.Partitions(h.topic)
	if err != nil {
		return errors.Wrapf(err, "listing partitions for topic %q", h.topic)
	}

	if len(partitions) != 1 {
		// Operational expectation is a single partition per topic.
		// All assigned partitions are still served.
		m.logger.Warn("unexpected partition count",
			zap.String("topic", h.topic),
			zap.Int("partitions", len(partitions)),
		)
	}

	for _, p := range partitions {
		endOffset, err := client.GetOffset(h.topic, p, sarama.OffsetNewest)
		if err != nil {
			return errors.Wrapf(err, "querying end offset for topic %q partition %d", h.topic, p)
		}

		pom, err := offsets.ManagePartition(h.topic, p)
		if err != nil {
			return errors.Wrapf(err, "managing offsets for topic %q partition %d", h.topic, p)
		}

		startAt := int64(sarama.OffsetNewest)
		probeOffset := int64(-1)

		if endOffset == 0 {
			m.logger.Warn("topic has no messages, skipping initialization",
				zap.String("topic", h.topic),
				zap.Int32("partition", p),
			)
		} else {
			m.logger.Debug("found log end offset, seeking",
				zap.String("topic", h.topic),
				zap.Int32("partition", p),
				zap.Int64("end_offset", endOffset),
				zap.Int64("seek_to", endOffset-1),
			)

			startAt = endOffset - 1
			probeOffset = endOffset - 1
		}

		pc, err := consumer.ConsumePartition(h.topic, p, startAt)
		if err != nil {
			return errors.Wrapf(err, "consuming topic %q partition %d", h.topic, p)
		}

		h.partitions = append(h.partitions, &partitionState{
			partition:   p,
			pc:          pc,
			pom:         pom,
			probeOffset: probeOffset,
		})
	}

	return nil
}

// Consume joins the broker and drains the topic until ctx is cancelled
// or the loop fails. The consumer is always stopped on the way out,
// whichever exit path is taken.
func (m *ConsumerManager) Consume(ctx context.Context, topic string) error {
	h, err := m.handle(topic)
	if err != nil {
		return err
	}

	if h.oneShot {
		return errors.Errorf("consumer for topic %q is one-shot, not background", topic)
	}

	defer func() {
		m.logger.Warn("stopping consumer", zap.String("topic", topic))

		if serr := m.Stop(topic); serr != nil {
			m.logger.Error("error stopping consumer",
				zap.String("topic", topic),
				zap.Error(serr),
			)
		}
	}()

	if err := m.start(h); err != nil {
		return err
	}

	handler := chainMiddlewares(m.routeBackground, m.middlewares)

	g, gctx := errgroup.WithContext(ctx)
	for _, ps := range h.partitions {
		ps := ps
		g.Go(func() error {
			return m.drainPartition(gctx, topic, ps, handler)
		})
	}

	return g.Wait()
}

func (m *ConsumerManager) drainPartition(ctx context.Context, topic string, ps *partitionState, handler HandleFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-ps.pc.Errors():
			if !ok {
				return nil
			}

			return errors.Wrapf(err, "consuming topic %q partition %d", topic, ps.partition)

		case cm, ok := <-ps.pc.Messages():
			if !ok {
				return nil
			}

			if cm.Offset == ps.probeOffset {
				// Readiness probe: confirms the consumer can read,
				// never dispatched.
				m.logger.Info("consumed readiness probe message",
					zap.String("topic", topic),
					zap.Int32("partition", ps.partition),
					zap.Int64("offset", cm.Offset),
				)
				ps.pom.MarkOffset(cm.Offset+1, "")

				continue
			}

			if err := handler(ctx, newMessage(cm)); err != nil {
				return errors.Wrapf(err, "consuming topic %q partition %d", topic, ps.partition)
			}

			ps.pom.MarkOffset(cm.Offset+1, "")
		}
	}
}

// routeBackground dispatches the write-class actions. Read and delete
// belong to the one-shot path, and an action with no matching case is
// an error that exits the loop: silently dropping a write request
// could cause undetected data loss.
func (m *ConsumerManager) routeBackground(ctx context.Context, msg Message) error {
	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		return err
	}

	m.logger.Info("consumed background message",
		zap.String("topic", msg.Topic),
		zap.String("action", string(env.Action)),
		zap.Int64("offset", msg.Offset),
	)

	switch env.Action {
	case ActionWrite:
		schemas, fields, err := writePayload(env.Data)
		if err != nil {
			return err
		}

		_, err = m.dispatcher.Write(ctx, schemas, fields)

		return err

	case ActionUpdate:
		schemas, updates, filters, err := updatePayload(env.Data)
		if err != nil {
			return err
		}

		_, err = m.dispatcher.Update(ctx, schemas, updates, filters)

		return err

	case ActionSaveRequestLog:
		return m.dispatcher.SaveRequestLog(ctx, env.Data)

	case ActionSaveResponseLog:
		return m.dispatcher.SaveResponseLog(ctx, env.Data)

	default:
		return errors.Wrapf(ErrUnroutableAction, "background consumer received %q", env.Action)
	}
}

// Stop leaves the broker and flushes any buffered offset commits.
// Idempotent: stopping an already-stopped or never-started handle is a
// no-op, because shutdown paths may stop a consumer whose loop already
// exited on its own.
func (m *ConsumerManager) Stop(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.consumers[topic]
	if !ok {
		return errors.Wrapf(ErrConsumerNotFound, "%q", topic)
	}

	if h.stopped || !h.started {
		h.stopped = true

		return nil
	}
	h.stopped = true

	var result *multierror.Error

	for _, ps := range h.partitions {
		if err := ps.pc.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing partition consumer %d", ps.partition))
		}

		// Flushes buffered offset commits.
		if err := ps.pom.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing offset manager for partition %d", ps.partition))
		}
	}

	if h.oneShotPC != nil {
		if err := h.oneShotPC.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing one-shot partition consumer"))
		}
	}

	if h.oneShotPOM != nil {
		if err := h.oneShotPOM.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing one-shot offset manager"))
		}
	}

	if h.offsets != nil {
		if err := h.offsets.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing offset manager"))
		}
	}

	if h.consumer != nil {
		if err := h.consumer.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing consumer"))
		}
	}

	if h.client != nil {
		if err := h.client.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing client"))
		}
	}

	return result.ErrorOrNil()
}
