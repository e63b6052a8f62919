package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		panic("write without deadline")
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { c.closed = true; return nil }

func TestPublishRideEventKeyedByRide(t *testing.T) {
	rides, locs := &captureWriter{}, &captureWriter{}
	p := NewKafkaProducerFromWriters(rides, locs)

	ev := models.RideEvent{Type: models.EventRideConfirmed, RideID: "r1", RiderID: "u1", CaptainID: "c1", Status: models.StatusConfirmed, At: time.Now()}
	require.NoError(t, p.PublishRideEvent(context.Background(), ev))
	require.Len(t, rides.msgs, 1)
	assert.Equal(t, "r1", string(rides.msgs[0].Key))

	var got models.RideEvent
	require.NoError(t, json.Unmarshal(rides.msgs[0].Value, &got))
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Empty(t, locs.msgs)
}

func TestPublishLocationAndClose(t *testing.T) {
	rides, locs := &captureWriter{}, &captureWriter{}
	p := NewKafkaProducerFromWriters(rides, locs)
	require.NoError(t, p.PublishLocation(context.Background(), models.LocationReport{CaptainID: "c1", Loc: models.Coord{Lat: 1, Lng: 2}}))
	require.Len(t, locs.msgs, 1)
	assert.Equal(t, "c1", string(locs.msgs[0].Key))

	require.NoError(t, p.Close())
	assert.True(t, rides.closed)
	assert.True(t, locs.closed)
}

func TestNewKafkaProducerWriters(t *testing.T) {
	p := NewKafkaProducer([]string{"localhost:9092"}, DefaultRideTopic, DefaultLocationTopic)
	t.Cleanup(func() { _ = p.Close() })

	rw, ok := p.rides.(*kafka.Writer)
	require.True(t, ok)
	lw, ok := p.locations.(*kafka.Writer)
	require.True(t, ok)

	assert.Equal(t, DefaultRideTopic, rw.Topic)
	assert.Equal(t, DefaultLocationTopic, lw.Topic)
	assert.Equal(t, writerBatchTimeout, rw.BatchTimeout)
	assert.Equal(t, writerBatchTimeout, lw.BatchTimeout)
	assert.False(t, rw.Async)
	assert.True(t, lw.Async)
}
