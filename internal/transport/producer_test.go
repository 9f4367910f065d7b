package transport_test

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/transport"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
)

func TestProducer(t *testing.T) {
	t.Run("send delivers to the queue with a type header", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		producer := transport.NewProducerWith(mockProducer, logger.NewTestLogger())

		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			assert.Equal(t, "cmd.payment.charge.q", msg.Topic)
			value, err := msg.Value.Encode()
			require.NoError(t, err)
			assert.Equal(t, `{"amount":100}`, string(value))

			headers := map[string]string{}
			for _, h := range msg.Headers {
				headers[string(h.Key)] = string(h.Value)
			}
			assert.Equal(t, "CommandRequested", headers["type"])
			assert.Equal(t, "abc", headers["commandId"])
			return nil
		})

		key := "order-1"
		err := producer.Send(context.Background(), "cmd.payment.charge.q", &key,
			"CommandRequested", `{"amount":100}`, map[string]string{"commandId": "abc"})
		require.NoError(t, err)
	})

	t.Run("publish delivers to the topic", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		producer := transport.NewProducerWith(mockProducer, logger.NewTestLogger())

		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			assert.Equal(t, "events.payment.charge", msg.Topic)
			assert.Nil(t, msg.Key)
			return nil
		})

		err := producer.Publish(context.Background(), "events.payment.charge", nil,
			"CommandCompleted", `{}`, nil)
		require.NoError(t, err)
	})

	t.Run("broker failure surfaces as an error", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		producer := transport.NewProducerWith(mockProducer, logger.NewTestLogger())

		mockProducer.ExpectSendMessageAndFail(sarama.ErrBrokerNotAvailable)

		err := producer.Send(context.Background(), "cmd.payment.charge.q", nil,
			"CommandRequested", `{}`, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not available")
	})
}
