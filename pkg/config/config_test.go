package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Messaging.CommandLease)
	assert.Equal(t, 5*time.Minute, cfg.Messaging.MaxBackoff)
	assert.Equal(t, time.Second, cfg.Messaging.OutboxSweepInterval)
	assert.Equal(t, 2000, cfg.Messaging.OutboxBatchSize)
	assert.Equal(t, time.Minute, cfg.Messaging.OutboxClaimTimeout)
	assert.Zero(t, cfg.Messaging.SyncWait)
	assert.Equal(t, 16, cfg.Messaging.MaxInFlight)

	assert.Equal(t, "cmd.", cfg.Messaging.QueueNaming.CommandPrefix)
	assert.Equal(t, ".q", cfg.Messaging.QueueNaming.QueueSuffix)
	assert.Equal(t, "cmd.replies.q", cfg.Messaging.QueueNaming.ReplyQueue)
	assert.Equal(t, "events.", cfg.Messaging.TopicNaming.EventPrefix)

	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addresses)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5432, cfg.Database.Port)
}
