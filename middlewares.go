package dbbus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HandleFunc processes one broker message.
type HandleFunc func(ctx context.Context, msg Message) error

// Middleware wraps a HandleFunc.
type Middleware func(next HandleFunc) HandleFunc

func chainMiddlewares(h HandleFunc, middlewares []Middleware) HandleFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}

	return h
}

// NewLoggingMiddleware logs every handled message with its position in
// the topic log.
func NewLoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, msg Message) error {
			start := time.Now()

			if err := next(ctx, msg); err != nil {
				return err
			}

			logger.Info("message handled",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Duration("duration", time.Since(start)),
			)

			return nil
		}
	}
}
