package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatusCache keeps command state in Redis for fast status checks. The
// database stays the source of truth; cache failures are logged and ignored.
type StatusCache struct {
	client      redis.UniversalClient
	pendingTTL  time.Duration
	terminalTTL time.Duration
	log         *logger.Logger
}

// NewStatusCache creates a new command status cache
func NewStatusCache(client redis.UniversalClient, log *logger.Logger) *StatusCache {
	return &StatusCache{
		client:      client,
		pendingTTL:  5 * time.Minute,
		terminalTTL: time.Hour,
		log:         log,
	}
}

type cachedCommand struct {
	CommandID uuid.UUID `json:"commandId"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Retries   int       `json:"retries"`
	LastError *string   `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func statusKey(id uuid.UUID) string {
	return fmt.Sprintf("cmd:status:%s", id)
}

// Set stores the command state. Terminal commands cache longer.
func (c *StatusCache) Set(ctx context.Context, cmd *Command) {
	data, err := json.Marshal(cachedCommand{
		CommandID: cmd.CommandID,
		Name:      cmd.Name,
		Status:    cmd.Status,
		Retries:   cmd.Retries,
		LastError: cmd.LastError,
		UpdatedAt: cmd.UpdatedAt,
	})
	if err != nil {
		return
	}

	ttl := c.pendingTTL
	if cmd.Status == StatusSucceeded || cmd.Status == StatusFailed {
		ttl = c.terminalTTL
	}
	if err := c.client.Set(ctx, statusKey(cmd.CommandID), data, ttl).Err(); err != nil {
		c.log.Warn("Failed to cache command status",
			zap.String("command_id", cmd.CommandID.String()),
			zap.Error(err),
		)
	}
}

// Get returns the cached state, if present
func (c *StatusCache) Get(ctx context.Context, id uuid.UUID) (*Command, bool) {
	data, err := c.client.Get(ctx, statusKey(id)).Bytes()
	if err != nil {
		return nil, false
	}

	var cached cachedCommand
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	return &Command{
		CommandID: cached.CommandID,
		Name:      cached.Name,
		Status:    cached.Status,
		Retries:   cached.Retries,
		LastError: cached.LastError,
		UpdatedAt: cached.UpdatedAt,
	}, true
}
