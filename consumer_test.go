package dbbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type dispatcherMock struct {
	WriteFunc           func(ctx context.Context, recordType string, fields map[string]any) (Record, error)
	ReadFunc            func(ctx context.Context, recordType, operation string, columns []string, filters []Filter) (any, error)
	UpdateFunc          func(ctx context.Context, recordType string, updates []Update, filters []Filter) (int64, error)
	DeleteFunc          func(ctx context.Context, recordType string, filters []Filter) (int64, error)
	SaveRequestLogFunc  func(ctx context.Context, data map[string]any) error
	SaveResponseLogFunc func(ctx context.Context, data map[string]any) error
}

func (m *dispatcherMock) Write(ctx context.Context, recordType string, fields map[string]any) (Record, error) {
	return m.WriteFunc(ctx, recordType, fields)
}

func (m *dispatcherMock) Read(ctx context.Context, recordType, operation string, columns []string, filters []Filter) (any, error) {
	return m.ReadFunc(ctx, recordType, operation, columns, filters)
}

func (m *dispatcherMock) Update(ctx context.Context, recordType string, updates []Update, filters []Filter) (int64, error) {
	return m.UpdateFunc(ctx, recordType, updates, filters)
}

func (m *dispatcherMock) Delete(ctx context.Context, recordType string, filters []Filter) (int64, error) {
	return m.DeleteFunc(ctx, recordType, filters)
}

func (m *dispatcherMock) SaveRequestLog(ctx context.Context, data map[string]any) error {
	return m.SaveRequestLogFunc(ctx, data)
}

func (m *dispatcherMock) SaveResponseLog(ctx context.Context, data map[string]any) error {
	return m.SaveResponseLogFunc(ctx, data)
}

func testConfig() Config {
	return Config{
		Brokers:            []string{"localhost:9092"},
		Version:            "3.6.0",
		GroupID:            "dbbus-test",
		ClientID:           "dbbus-test",
		AutoCommitInterval: time.Second,
		MaxProcessingTime:  100,
	}
}

func newTestManager(d ActionDispatcher, middlewares ...Middleware) *ConsumerManager {
	return NewConsumerManager(testConfig(), d, zap.NewNop(), middlewares...)
}

func envelopeBytes(t *testing.T, action Action, data map[string]any) []byte {
	t.Helper()

	b, err := json.Marshal(map[string]any{"action": action, "data": data})
	require.NoError(t, err)

	return b
}

func TestRouteBackgroundWrite(t *testing.T) {
	t.Parallel()

	var gotType string
	var gotFields map[string]any

	mock := &dispatcherMock{
		WriteFunc: func(_ context.Context, recordType string, fields map[string]any) (Record, error) {
			gotType = recordType
			gotFields = fields

			return Record{"id": int64(1)}, nil
		},
	}
	m := newTestManager(mock)

	msg := Message{Topic: TopicWriteDB, Value: envelopeBytes(t, ActionWrite, map[string]any{
		"schemas":  "users",
		"username": "alice",
		"email":    "alice@example.com",
	})}

	require.NoError(t, m.routeBackground(context.Background(), msg))
	assert.Equal(t, "users", gotType)
	assert.Equal(t, "alice", gotFields["username"])
	assert.NotContains(t, gotFields, "schemas", "routing key is not a column")
}

func TestRouteBackgroundUpdate(t *testing.T) {
	t.Parallel()

	var gotUpdates []Update
	var gotFilters []Filter

	mock := &dispatcherMock{
		UpdateFunc: func(_ context.Context, _ string, updates []Update, filters []Filter) (int64, error) {
			gotUpdates = updates
			gotFilters = filters

			return 1, nil
		},
	}
	m := newTestManager(mock)

	msg := Message{Topic: TopicUpdateDB, Value: envelopeBytes(t, ActionUpdate, map[string]any{
		"schemas":     "users",
		"update_data": []any{[]any{"role", "admin"}},
		"filters":     []any{[]any{"id", "=", float64(7)}},
	})}

	require.NoError(t, m.routeBackground(context.Background(), msg))
	require.Len(t, gotUpdates, 1)
	assert.Equal(t, Update{Field: "role", Value: "admin"}, gotUpdates[0])
	require.Len(t, gotFilters, 1)
	assert.Equal(t, "id", gotFilters[0].Field)
}

func TestRouteBackgroundSaveLogs(t *testing.T) {
	t.Parallel()

	var requests, responses int

	mock := &dispatcherMock{
		SaveRequestLogFunc: func(_ context.Context, data map[string]any) error {
			requests++
			assert.Equal(t, "req-1", data["request_id"])

			return nil
		},
		SaveResponseLogFunc: func(_ context.Context, _ map[string]any) error {
			responses++

			return nil
		},
	}
	m := newTestManager(mock)

	reqMsg := Message{Topic: TopicSaveRequestDB, Value: envelopeBytes(t, ActionSaveRequestLog, map[string]any{
		"request_id": "req-1",
		"method":     "POST",
	})}
	require.NoError(t, m.routeBackground(context.Background(), reqMsg))

	respMsg := Message{Topic: TopicSaveResponseDB, Value: envelopeBytes(t, ActionSaveResponseLog, map[string]any{
		"request_id":           "req-1",
		"response_status_code": float64(200),
	})}
	require.NoError(t, m.routeBackground(context.Background(), respMsg))

	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, responses)
}

func TestRouteBackgroundRejectsOneShotActions(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})

	msg := Message{Topic: TopicReadDB, Value: envelopeBytes(t, ActionRead, map[string]any{
		"schemas":   "users",
		"operation": "all",
	})}

	err := m.routeBackground(context.Background(), msg)
	assert.True(t, errors.Is(err, ErrUnroutableAction))
}

func TestRouteBackgroundMalformed(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})

	err := m.routeBackground(context.Background(), Message{Value: []byte(`{"action":"write"`)})
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestRouteOneShotRead(t *testing.T) {
	t.Parallel()

	want := []Record{{"id": int64(1), "email": "alice@example.com"}}

	mock := &dispatcherMock{
		ReadFunc: func(_ context.Context, recordType, operation string, columns []string, filters []Filter) (any, error) {
			assert.Equal(t, "users", recordType)
			assert.Equal(t, ReadAll, operation)
			assert.Equal(t, []string{"id", "email"}, columns)
			require.Len(t, filters, 1)
			assert.Equal(t, Filter{Field: "email", Op: "=", Value: "alice@example.com"}, filters[0])

			return want, nil
		},
	}
	m := newTestManager(mock)

	msg := Message{Topic: TopicReadDB, Value: envelopeBytes(t, ActionRead, map[string]any{
		"schemas":   "users",
		"operation": "all",
		"columns":   []any{"id", "email"},
		"filters":   []any{[]any{"email", "=", "alice@example.com"}},
	})}

	result, err := m.routeOneShot(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, want, result)
}

func TestRouteOneShotDelete(t *testing.T) {
	t.Parallel()

	mock := &dispatcherMock{
		DeleteFunc: func(_ context.Context, recordType string, filters []Filter) (int64, error) {
			assert.Equal(t, "user_sessions", recordType)
			require.Len(t, filters, 1)

			return 1, nil
		},
	}
	m := newTestManager(mock)

	msg := Message{Topic: TopicDeleteDB, Value: envelopeBytes(t, ActionDelete, map[string]any{
		"schemas": "user_sessions",
		"filters": []any{[]any{"id", "=", float64(3)}},
	})}

	result, err := m.routeOneShot(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result)
}

func TestRouteOneShotRejectsBackgroundActions(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})

	msg := Message{Topic: TopicWriteDB, Value: envelopeBytes(t, ActionWrite, map[string]any{
		"schemas":  "users",
		"username": "alice",
	})}

	_, err := m.routeOneShot(context.Background(), msg)
	assert.True(t, errors.Is(err, ErrUnroutableAction))
}

// fakePartitionConsumer feeds canned messages through the real drain
// loop without a broker.
type fakePartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func newFakePartitionConsumer() *fakePartitionConsumer {
	return &fakePartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, 16),
		errors:   make(chan *sarama.ConsumerError, 16),
	}
}

func (f *fakePartitionConsumer) AsyncClose() {}
func (f *fakePartitionConsumer) Close() error { return nil }
func (f *fakePartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return f.messages }
func (f *fakePartitionConsumer) Errors() <-chan *sarama.ConsumerError { return f.errors }
func (f *fakePartitionConsumer) HighWaterMarkOffset() int64 { return 0 }
func (f *fakePartitionConsumer) Pause() {}
func (f *fakePartitionConsumer) Resume() {}
func (f *fakePartitionConsumer) IsPaused() bool { return false }

type fakeOffsetManager struct {
	mu     sync.Mutex
	marked []int64
}

func (f *fakeOffsetManager) NextOffset() (int64, string) { return sarama.OffsetNewest, "" }

func (f *fakeOffsetManager) MarkOffset(offset int64, _ string) {
	f.mu.Lock()
	f.marked = append(f.marked, offset)
	f.mu.Unlock()
}

func (f *fakeOffsetManager) ResetOffset(_ int64, _ string) {}
func (f *fakeOffsetManager) Errors() <-chan *sarama.ConsumerError { return nil }
func (f *fakeOffsetManager) AsyncClose() {}
func (f *fakeOffsetManager) Close() error { return nil }

func TestDrainPartitionSkipsProbe(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})

	pc := newFakePartitionConsumer()
	pom := &fakeOffsetManager{}
	ps := &partitionState{partition: 0, pc: pc, pom: pom, probeOffset: 5}

	pc.messages <- &sarama.ConsumerMessage{Topic: TopicWriteDB, Offset: 5, Value: []byte("ignored")}
	pc.messages <- &sarama.ConsumerMessage{
		Topic:  TopicWriteDB,
		Offset: 6,
		Value:  envelopeBytes(t, ActionWrite, map[string]any{"schemas": "users"}),
	}

	ctx, cancel := context.WithCancel(context.Background())

	var handled []int64
	handler := func(_ context.Context, msg Message) error {
		handled = append(handled, msg.Offset)
		cancel()

		return nil
	}

	err := m.drainPartition(ctx, TopicWriteDB, ps, handler)
	require.NoError(t, err)

	assert.Equal(t, []int64{6}, handled, "probe must never reach the handler")
	assert.Equal(t, []int64{6, 7}, pom.marked, "both messages advance the committed position")
}

func TestDrainPartitionHandlerError(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})

	pc := newFakePartitionConsumer()
	pom := &fakeOffsetManager{}
	ps := &partitionState{partition: 0, pc: pc, pom: pom, probeOffset: -1}

	pc.messages <- &sarama.ConsumerMessage{Topic: TopicWriteDB, Offset: 3, Value: []byte("{}")}

	err := m.drainPartition(context.Background(), TopicWriteDB, ps, func(_ context.Context, _ Message) error {
		return errors.New("dispatch failed")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch failed")
	assert.Empty(t, pom.marked, "failed messages must not be committed")
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})
	require.NoError(t, m.CreateBackground(TopicWriteDB, "dbbus-test.write_db"))

	require.NoError(t, m.Stop(TopicWriteDB), "never-started consumer stops cleanly")
	require.NoError(t, m.Stop(TopicWriteDB), "second stop is a no-op")
}

func TestStopUnknownTopic(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})

	err := m.Stop("no_such_topic")
	assert.True(t, errors.Is(err, ErrConsumerNotFound))
}

func TestConsumeRejectsOneShotHandle(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})
	require.NoError(t, m.CreateOneShot(TopicReadDB, ""))

	err := m.Consume(context.Background(), TopicReadDB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one-shot")
}

func TestConsumeOneRequiresStartedConsumer(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})
	require.NoError(t, m.CreateOneShot(TopicReadDB, ""))

	_, err := m.ConsumeOne(context.Background(), TopicReadDB)
	assert.True(t, errors.Is(err, ErrConsumerNotFound))
}

func TestCreateOneShotGeneratesGroupID(t *testing.T) {
	t.Parallel()

	m := newTestManager(&dispatcherMock{})
	require.NoError(t, m.CreateOneShot(TopicReadDB, ""))

	h, err := m.handle(TopicReadDB)
	require.NoError(t, err)
	assert.True(t, h.oneShot)
	assert.Contains(t, h.groupID, "dbbus-test-oneshot-")
}

func TestChainMiddlewaresOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(name string) Middleware {
		return func(next HandleFunc) HandleFunc {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)

				return next(ctx, msg)
			}
		}
	}

	h := chainMiddlewares(func(_ context.Context, _ Message) error {
		order = append(order, "handler")

		return nil
	}, []Middleware{mw("outer"), mw("inner")})

	require.NoError(t, h(context.Background(), Message{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
