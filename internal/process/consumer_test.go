package process

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/command"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
)

type recordedReply struct {
	processID uuid.UUID
	commandID uuid.UUID
	reply     command.Reply
}

type fakeReplyHandler struct {
	mu      sync.Mutex
	replies []recordedReply
}

func (h *fakeReplyHandler) HandleReply(ctx context.Context, processID, commandID uuid.UUID, reply command.Reply) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies = append(h.replies, recordedReply{processID: processID, commandID: commandID, reply: reply})
	return nil
}

func (h *fakeReplyHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.replies)
}

type fakeCompleter struct {
	mu        sync.Mutex
	completed []uuid.UUID
}

func (c *fakeCompleter) Complete(id uuid.UUID, reply command.Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, id)
}

func TestReplyConsumer(t *testing.T) {
	t.Run("well-formed completed reply reaches the manager", func(t *testing.T) {
		handler := &fakeReplyHandler{}
		completer := &fakeCompleter{}
		consumer := NewReplyConsumer(handler, completer, logger.NewTestLogger())

		processID := uuid.New()
		commandID := uuid.New()
		body := fmt.Sprintf(
			`{"commandId":%q,"correlationId":%q,"type":"CommandCompleted","payload":{"receipt":"r-1"}}`,
			commandID, processID)

		require.NoError(t, consumer.Consume(context.Background(), []byte(body)))

		require.Equal(t, 1, handler.count())
		got := handler.replies[0]
		assert.Equal(t, processID, got.processID)
		assert.Equal(t, commandID, got.commandID)
		assert.Equal(t, command.ReplyCompleted, got.reply.Status)
		assert.Equal(t, "r-1", got.reply.Data["receipt"])

		require.Len(t, completer.completed, 1)
		assert.Equal(t, commandID, completer.completed[0])
	})

	t.Run("failed reply carries the error", func(t *testing.T) {
		handler := &fakeReplyHandler{}
		consumer := NewReplyConsumer(handler, nil, logger.NewTestLogger())

		body := fmt.Sprintf(
			`{"commandId":%q,"correlationId":%q,"type":"CommandFailed","error":"card declined"}`,
			uuid.New(), uuid.New())

		require.NoError(t, consumer.Consume(context.Background(), []byte(body)))
		require.Equal(t, 1, handler.count())
		assert.Equal(t, command.ReplyFailed, handler.replies[0].reply.Status)
		assert.Equal(t, "card declined", handler.replies[0].reply.Error)
	})

	t.Run("timed out reply maps to TIMED_OUT", func(t *testing.T) {
		handler := &fakeReplyHandler{}
		consumer := NewReplyConsumer(handler, nil, logger.NewTestLogger())

		body := fmt.Sprintf(
			`{"commandId":%q,"correlationId":%q,"type":"CommandTimedOut","error":"lease expired"}`,
			uuid.New(), uuid.New())

		require.NoError(t, consumer.Consume(context.Background(), []byte(body)))
		require.Equal(t, 1, handler.count())
		assert.Equal(t, command.ReplyTimedOut, handler.replies[0].reply.Status)
	})

	t.Run("malformed input never reaches the manager", func(t *testing.T) {
		handler := &fakeReplyHandler{}
		consumer := NewReplyConsumer(handler, nil, logger.NewTestLogger())

		valid := uuid.New().String()
		bodies := [][]byte{
			nil,
			{},
			[]byte(`not json at all`),
			[]byte(`null`),
			[]byte(`{}`),
			[]byte(`{"commandId":"not-a-uuid","correlationId":"` + valid + `","type":"CommandCompleted"}`),
			[]byte(`{"commandId":"` + valid + `","correlationId":"nope","type":"CommandCompleted"}`),
			[]byte(`{"commandId":"` + valid + `","correlationId":"` + valid + `"}`),
			[]byte(`{"commandId":"` + valid + `","correlationId":"` + valid + `","type":"CommandExploded"}`),
		}

		for _, body := range bodies {
			require.NoError(t, consumer.Consume(context.Background(), body), "body: %s", body)
		}
		assert.Zero(t, handler.count())
	})
}
