package dbbus

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConsumerController is what the Runner drives. *ConsumerManager
// satisfies it.
type ConsumerController interface {
	CreateBackground(topic, groupID string) error
	Consume(ctx context.Context, topic string) error
	Stop(topic string) error
}

// Runner owns the process lifecycle of the background consumers: one
// supervised, independently cancellable task per write-class topic.
type Runner struct {
	manager   ConsumerController
	logger    *zap.Logger
	baseGroup string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(manager ConsumerController, baseGroup string, logger *zap.Logger) *Runner {
	return &Runner{
		manager:   manager,
		logger:    logger,
		baseGroup: baseGroup,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start creates and launches one background consumer per write-class
// topic. Each drain loop runs as its own task, tracked by topic; a
// loop that fails is logged loudly and exits without taking the other
// topics down.
func (r *Runner) Start(ctx context.Context) error {
	for _, topic := range WriteClassTopics {
		groupID := r.baseGroup + "." + topic
		if err := r.manager.CreateBackground(topic, groupID); err != nil {
			return errors.Wrapf(err, "creating background consumer for topic %q", topic)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range WriteClassTopics {
		tctx, cancel := context.WithCancel(ctx)
		r.cancels[topic] = cancel

		r.wg.Add(1)

		go func(topic string) {
			defer r.wg.Done()

			r.logger.Info("background consumer task started", zap.String("topic", topic))

			if err := r.manager.Consume(tctx, topic); err != nil {
				r.logger.Error("background consumer task failed",
					zap.String("topic", topic),
					zap.Error(err),
				)

				return
			}

			r.logger.Info("background consumer task stopped", zap.String("topic", topic))
		}(topic)
	}

	return nil
}

// Shutdown cancels every tracked task, waits for the loops to observe
// cancellation, then stops every consumer handle. Failures are
// collected per topic; one topic failing to stop never prevents the
// others from being attempted.
func (r *Runner) Shutdown() error {
	r.mu.Lock()
	for topic, cancel := range r.cancels {
		r.logger.Debug("cancelling background consumer task", zap.String("topic", topic))
		cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	var result *multierror.Error

	for _, topic := range WriteClassTopics {
		err := r.manager.Stop(topic)
		if err != nil && !errors.Is(err, ErrConsumerNotFound) {
			result = multierror.Append(result, errors.Wrapf(err, "stopping consumer for topic %q", topic))
		}
	}

	return result.ErrorOrNil()
}
