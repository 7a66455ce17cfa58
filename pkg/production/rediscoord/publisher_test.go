package rediscoord

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

// recordingRedis captures PUBLISH calls; every other command panics through the nil embed
type recordingRedis struct {
	redis.Cmdable
	channels []string
	payloads [][]byte
	err      error
}

func (r *recordingRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if r.err != nil {
		cmd.SetErr(r.err)
		return cmd
	}
	r.channels = append(r.channels, channel)
	r.payloads = append(r.payloads, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestPublisher_Channels(t *testing.T) {
	p := NewPublisher(&recordingRedis{}, "", nil)
	assert.Equal(t, "production:batch", p.BatchChannel())
	assert.Equal(t, "production:stock", p.StockChannel())

	p = NewPublisher(&recordingRedis{}, "plant-2", nil)
	assert.Equal(t, "plant-2:batch", p.BatchChannel())
}

func TestPublisher_BatchEventRoundTrip(t *testing.T) {
	client := &recordingRedis{}
	p := NewPublisher(client, "test", nil)

	event := production.BatchEvent{
		ID:         "e1",
		Type:       production.EventReceptionAccepted,
		BatchID:    "MB-20240305-0930-YS",
		ProductID:  "MB",
		Kind:       production.BatchKindProduction,
		State:      production.BatchStateAwaitingPrint,
		QuantityKg: "10",
		Timestamp:  time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC),
		UserID:     "operator-1",
	}
	require.NoError(t, p.PublishBatchEvent(context.Background(), event))
	require.Len(t, client.payloads, 1)
	assert.Equal(t, "test:batch", client.channels[0])

	decoded, err := DecodeBatchEvent(client.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, event.BatchID, decoded.BatchID)
	assert.Equal(t, event.State, decoded.State)
	assert.Equal(t, event.QuantityKg, decoded.QuantityKg)
	assert.True(t, event.Timestamp.Equal(decoded.Timestamp))
}

func TestPublisher_StockChangedRoundTrip(t *testing.T) {
	client := &recordingRedis{}
	p := NewPublisher(client, "test", nil)

	event := production.StockChangedEvent{
		ID:          "e2",
		Store:       production.StoreRawMaterial,
		Key:         "pork",
		OldQuantity: "50",
		NewQuantity: "42",
		ChangeType:  "consume",
		Reference:   "MB-20240305-0930-YS",
	}
	require.NoError(t, p.PublishStockChanged(context.Background(), event))
	assert.Equal(t, "test:stock", client.channels[0])

	decoded, err := DecodeStockChanged(client.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, production.StoreRawMaterial, decoded.Store)
	assert.Equal(t, "42", decoded.NewQuantity)
}

func TestPublisher_PublishError(t *testing.T) {
	p := NewPublisher(&recordingRedis{err: errors.New("connection refused")}, "", nil)
	err := p.PublishBatchEvent(context.Background(), production.BatchEvent{BatchID: "B1"})
	assert.ErrorContains(t, err, "connection refused")
}

func TestDecodeBatchEvent_Garbage(t *testing.T) {
	_, err := DecodeBatchEvent([]byte{0xc1})
	assert.Error(t, err)
}

func TestLocker_ObtainIsExclusive(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS が未設定のためスキップします")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Options{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	locker := NewLocker(client, nil)
	key := "production:test-lock:" + time.Now().Format("150405.000000")

	release, err := locker.Obtain(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, production.ErrLockNotObtained)

	release()
	again, err := locker.Obtain(ctx, key, 5*time.Second)
	require.NoError(t, err)
	again()
}
