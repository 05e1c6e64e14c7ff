package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
	testdb "github.com/loghive/loghive/test/database"
)

func retryTestConfig() *config.RetryConfig {
	return &config.RetryConfig{
		PollInterval: time.Hour,
		MaxSelect:    50,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   time.Minute,
		MaxAttempts:  2,
	}
}

func failedEvents(n int) []models.LogEvent {
	now := time.Now().UTC()
	events := make([]models.LogEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, models.LogEvent{
			Timestamp: now, IngestTime: now, Level: models.LevelError,
			Source: "app", Message: "replay me",
		})
	}
	return events
}

func TestRetry_ReplaysDueBatch(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	failed := services.NewFailedBatchService(client)
	hub := NewHub()
	sub := hub.SubscribeEvents("test", 4)
	met := metrics.New()

	writer := NewWriter(config.DefaultWriterConfig(), client, newTestQueue(10), failed, hub, met, nil)
	retry := NewRetry(retryTestConfig(), failed, writer, services.NewSystemEventService(client), hub, met, nil)

	_, err := failed.Enqueue(ctx, failedEvents(3))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	retry.replayDue(ctx)

	assert.Equal(t, 3, countEvents(t, client))
	pending, quarantined, err := failed.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, quarantined)

	select {
	case batch := <-sub:
		assert.Len(t, batch, 3)
	default:
		t.Fatal("replayed batch not fanned out")
	}
}

func TestRetry_QuarantinesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	eventClient := testdb.NewTestClient(t)
	bookClient := testdb.NewTestClient(t)

	// Replay bookkeeping stays healthy while every event write fails.
	require.NoError(t, eventClient.Writer().Close())

	failed := services.NewFailedBatchService(bookClient)
	system := services.NewSystemEventService(bookClient)
	hub := NewHub()
	notices := hub.SubscribeNotices("test", 4)
	met := metrics.New()

	writer := NewWriter(config.DefaultWriterConfig(), eventClient, newTestQueue(10), failed, hub, met, nil)
	retry := NewRetry(retryTestConfig(), failed, writer, system, hub, met, nil)

	_, err := failed.Enqueue(ctx, failedEvents(1))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	// MaxAttempts is 2: the failed replay bumps attempt 1 → 2 and
	// quarantines on the spot.
	retry.replayDue(ctx)

	pending, quarantined, err := failed.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, int64(1), quarantined)

	select {
	case n := <-notices:
		assert.Equal(t, services.SystemEventBatchQuarantined, n.Event)
		assert.Equal(t, ChannelAlerts, n.Channel)
	default:
		t.Fatal("quarantine notice not published")
	}

	recorded, err := system.List(ctx, services.SystemEventBatchQuarantined, 10, 0)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, ChannelAlerts, recorded[0].Channel)
}

func TestRetry_BackoffDefersYoungBatches(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	failed := services.NewFailedBatchService(client)
	hub := NewHub()
	met := metrics.New()

	cfg := retryTestConfig()
	cfg.BaseBackoff = time.Hour

	writer := NewWriter(config.DefaultWriterConfig(), client, newTestQueue(10), failed, hub, met, nil)
	retry := NewRetry(cfg, failed, writer, services.NewSystemEventService(client), hub, met, nil)

	_, err := failed.Enqueue(ctx, failedEvents(2))
	require.NoError(t, err)

	// Inside the backoff window nothing replays.
	retry.replayDue(ctx)

	assert.Zero(t, countEvents(t, client))
	pending, _, err := failed.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRetry_StartStop(t *testing.T) {
	client := testdb.NewTestClient(t)
	failed := services.NewFailedBatchService(client)
	hub := NewHub()
	met := metrics.New()

	writer := NewWriter(config.DefaultWriterConfig(), client, newTestQueue(10), failed, hub, met, nil)
	retry := NewRetry(retryTestConfig(), failed, writer, services.NewSystemEventService(client), hub, met, nil)

	retry.Start(context.Background())
	retry.Stop()

	// Stop is idempotent.
	retry.Stop()
}
