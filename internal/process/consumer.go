package process

import (
	"context"
	"encoding/json"

	"github.com/FreeSideNomad/messaging-platform/internal/command"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReplyHandler receives parsed step replies. Satisfied by the Manager.
type ReplyHandler interface {
	HandleReply(ctx context.Context, processID, commandID uuid.UUID, reply command.Reply) error
}

// Completer resolves pending synchronous waits. Satisfied by the reply
// waiter; may be nil.
type Completer interface {
	Complete(id uuid.UUID, reply command.Reply)
}

// ReplyConsumer parses inbound reply envelopes and routes them to the
// process manager. Malformed input of any shape is logged and swallowed; a
// broken envelope must never poison the delivery loop.
type ReplyConsumer struct {
	handler   ReplyHandler
	completer Completer
	log       *logger.Logger
}

// NewReplyConsumer creates a new reply consumer. completer may be nil.
func NewReplyConsumer(handler ReplyHandler, completer Completer, log *logger.Logger) *ReplyConsumer {
	return &ReplyConsumer{
		handler:   handler,
		completer: completer,
		log:       log,
	}
}

type replyEnvelope struct {
	CommandID     string                 `json:"commandId"`
	CorrelationID string                 `json:"correlationId"`
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
	Error         string                 `json:"error"`
}

// Consume parses one reply body. Only a well-formed envelope reaches the
// manager; the returned error is the manager's, never a parse failure.
func (c *ReplyConsumer) Consume(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		c.log.Warn("Dropping empty reply body")
		return nil
	}

	var env replyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.log.Warn("Dropping unparseable reply", zap.Error(err))
		return nil
	}

	commandID, err := uuid.Parse(env.CommandID)
	if err != nil {
		c.log.Warn("Dropping reply with invalid command id",
			zap.String("command_id", env.CommandID),
		)
		return nil
	}
	processID, err := uuid.Parse(env.CorrelationID)
	if err != nil {
		c.log.Warn("Dropping reply with invalid correlation id",
			zap.String("correlation_id", env.CorrelationID),
		)
		return nil
	}

	var status command.ReplyStatus
	switch env.Type {
	case command.TypeCommandCompleted:
		status = command.ReplyCompleted
	case command.TypeCommandFailed:
		status = command.ReplyFailed
	case command.TypeCommandTimedOut:
		status = command.ReplyTimedOut
	default:
		c.log.Warn("Dropping reply with unknown type",
			zap.String("type", env.Type),
		)
		return nil
	}

	reply := command.Reply{
		Status: status,
		Data:   env.Payload,
		Error:  env.Error,
	}

	if c.completer != nil {
		c.completer.Complete(commandID, reply)
	}
	return c.handler.HandleReply(ctx, processID, commandID, reply)
}
