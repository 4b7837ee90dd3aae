package dbbus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 1 * time.Second
)

// Read operations.
const (
	ReadAll   = "all"
	ReadFirst = "first"
)

// Dispatcher routes logical record-type operations to the persistence
// layer, retrying transient storage failures with backoff. Everything
// else is converted into a typed failure and surfaced immediately.
type Dispatcher struct {
	store   Store
	logger  *zap.Logger
	retries int
	backoff BackoffStrategy
}

func NewDispatcher(store Store, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	cfg := newDispatcherConfig()
	for _, opt := range opts {
		opt.Apply(cfg)
	}

	return &Dispatcher{
		store:   store,
		logger:  logger,
		retries: cfg.MaxRetries,
		backoff: cfg.Backoff,
	}
}

// withRetry runs fn in a fresh storage session, retrying transient
// failures up to the attempt budget. Each attempt rolls back and
// releases its session before the next one starts; retries are strictly
// sequential.
func (d *Dispatcher) withRetry(ctx context.Context, op string, rt RecordType, fn func(context.Context, Session) error) error {
	var last error

	for attempt := 0; attempt < d.retries; attempt++ {
		err := d.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		if !IsTransient(err) {
			d.logger.Error("storage operation failed",
				zap.String("op", op),
				zap.String("record_type", string(rt)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

			return err
		}

		last = err
		delay := d.backoff.NextDelay(attempt)
		d.logger.Error("transient storage error, retrying",
			zap.String("op", op),
			zap.String("record_type", string(rt)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		if attempt == d.retries-1 {
			break
		}

		if werr := waitBackoff(ctx, d.backoff, attempt); werr != nil {
			return errors.Wrapf(werr, "%s %s interrupted while waiting to retry", op, rt)
		}
	}

	d.logger.Error("max retries reached",
		zap.String("op", op),
		zap.String("record_type", string(rt)),
		zap.Int("attempts", d.retries),
	)

	return &RetriesExhaustedError{
		Op:         op,
		RecordType: string(rt),
		Attempts:   d.retries,
		Last:       last,
	}
}

// attempt scopes one session acquisition: rollback on failure, release
// unconditionally.
func (d *Dispatcher) attempt(ctx context.Context, fn func(context.Context, Session) error) error {
	sess, err := d.store.Session(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := sess.Close(); cerr != nil {
			d.logger.Warn("failed to release storage session", zap.Error(cerr))
		}
	}()

	if err := fn(ctx, sess); err != nil {
		if rerr := sess.Rollback(); rerr != nil {
			d.logger.Warn("rollback failed", zap.Error(rerr))
		}

		return err
	}

	return nil
}

// Write persists fields as a new record and returns it, including the
// generated identifier.
func (d *Dispatcher) Write(ctx context.Context, recordType string, fields map[string]any) (Record, error) {
	rt, err := ResolveRecordType(recordType)
	if err != nil {
		return nil, err
	}

	var created Record
	err = d.withRetry(ctx, "write", rt, func(ctx context.Context, sess Session) error {
		rec, err := sess.Insert(ctx, rt.Table(), fields)
		if err != nil {
			return err
		}
		created = rec

		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// Read executes either an "all" or a "first" query. For "all" the
// result is []Record; for "first" it is the first matching Record or
// nil when nothing matches.
func (d *Dispatcher) Read(ctx context.Context, recordType, operation string, columns []string, filters []Filter) (any, error) {
	switch operation {
	case ReadAll:
		return d.readAll(ctx, recordType, columns, filters)
	case ReadFirst:
		return d.readFirst(ctx, recordType, columns, filters)
	default:
		return nil, errors.Wrapf(ErrInvalidOperation, "%q", operation)
	}
}

func (d *Dispatcher) readAll(ctx context.Context, recordType string, columns []string, filters []Filter) ([]Record, error) {
	rt, err := ResolveRecordType(recordType)
	if err != nil {
		return nil, err
	}

	normalized, err := NormalizeFilters(filters)
	if err != nil {
		return nil, err
	}

	var records []Record
	err = d.withRetry(ctx, "read", rt, func(ctx context.Context, sess Session) error {
		recs, err := sess.Query(ctx, rt.Table(), columns, normalized)
		if err != nil {
			return err
		}
		records = recs

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func (d *Dispatcher) readFirst(ctx context.Context, recordType string, columns []string, filters []Filter) (Record, error) {
	records, err := d.readAll(ctx, recordType, columns, filters)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	return records[0], nil
}

// Update applies the assignments to every record matching filters and
// returns the mutated count. An empty filter list is fatal: it would
// otherwise rewrite the whole table.
func (d *Dispatcher) Update(ctx context.Context, recordType string, updates []Update, filters []Filter) (int64, error) {
	rt, err := ResolveRecordType(recordType)
	if err != nil {
		return 0, err
	}

	if len(updates) == 0 {
		return 0, errors.Wrap(ErrEmptyUpdate, "update")
	}

	if len(filters) == 0 {
		return 0, errors.Wrap(ErrEmptyFilter, "update")
	}

	normalized, err := NormalizeFilters(filters)
	if err != nil {
		return 0, err
	}

	var count int64
	err = d.withRetry(ctx, "update", rt, func(ctx context.Context, sess Session) error {
		n, err := sess.Update(ctx, rt.Table(), updates, normalized)
		if err != nil {
			return err
		}
		count = n

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Delete removes every record matching filters. Matching zero records
// is reported as ErrNotFound, not success: a caller asking to delete a
// specific record should learn it never existed. An empty filter list
// is fatal.
func (d *Dispatcher) Delete(ctx context.Context, recordType string, filters []Filter) (int64, error) {
	rt, err := ResolveRecordType(recordType)
	if err != nil {
		return 0, err
	}

	if len(filters) == 0 {
		return 0, errors.Wrap(ErrEmptyFilter, "delete")
	}

	normalized, err := NormalizeFilters(filters)
	if err != nil {
		return 0, err
	}

	var count int64
	err = d.withRetry(ctx, "delete", rt, func(ctx context.Context, sess Session) error {
		n, err := sess.Delete(ctx, rt.Table(), normalized)
		if err != nil {
			return err
		}

		if n == 0 {
			return ErrNotFound
		}
		count = n

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

var requestLogFields = []string{
	"request_id", "method", "url_path", "query_params", "request_headers",
	"request_body", "client_ip", "user_agent", "referer", "cookies",
	"route_name",
}

var responseLogFields = []string{
	"request_id", "response_id", "response_status_code",
	"response_headers", "response_body",
}

// SaveRequestLog persists a request audit record. Only the known audit
// columns are taken from data.
func (d *Dispatcher) SaveRequestLog(ctx context.Context, data map[string]any) error {
	return d.saveLog(ctx, RecordRequestLog, requestLogFields, data)
}

// SaveResponseLog persists a response audit record.
func (d *Dispatcher) SaveResponseLog(ctx context.Context, data map[string]any) error {
	return d.saveLog(ctx, RecordResponseLog, responseLogFields, data)
}

func (d *Dispatcher) saveLog(ctx context.Context, rt RecordType, allowed []string, data map[string]any) error {
	fields := make(map[string]any, len(allowed))
	for _, k := range allowed {
		if v, ok := data[k]; ok {
			fields[k] = v
		}
	}

	return d.withRetry(ctx, "save_log", rt, func(ctx context.Context, sess Session) error {
		_, err := sess.Insert(ctx, rt.Table(), fields)

		return err
	})
}
