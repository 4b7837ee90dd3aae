package dbbus

import (
	"context"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProducerSend(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := &Producer{logger: zap.NewNop(), saramaProducer: sp}

	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		env, err := DecodeEnvelope(value)
		if err != nil {
			return err
		}

		if env.Action != ActionWrite {
			return errors.Errorf("unexpected action %q", env.Action)
		}

		return nil
	})

	env := Envelope{
		Action: ActionWrite,
		Data:   map[string]any{"schemas": "users", "username": "alice"},
	}

	require.NoError(t, p.Send(context.Background(), TopicWriteDB, env))
	require.NoError(t, p.Close())
}

func TestProducerSendBrokerFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := &Producer{logger: zap.NewNop(), saramaProducer: sp}

	sp.ExpectSendMessageAndFail(errors.New("kafka server: not the leader for this partition"))

	env := Envelope{Action: ActionUpdate, Data: map[string]any{"schemas": "users"}}

	err := p.Send(context.Background(), TopicUpdateDB, env)
	require.Error(t, err)

	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, TopicUpdateDB, pubErr.Topic)
	assert.Equal(t, ActionUpdate, pubErr.Envelope.Action, "failed envelope is preserved for the caller")

	require.NoError(t, p.Close())
}

func TestProducerSendCancelledContext(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := &Producer{logger: zap.NewNop(), saramaProducer: sp}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, TopicWriteDB, Envelope{Action: ActionWrite, Data: map[string]any{}})
	require.Error(t, err)

	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, p.Close())
}
