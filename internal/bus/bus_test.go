package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/contextd/internal/models"
)

func TestPublishAndReceive(t *testing.T) {
	b := New(4)
	defer b.Close()

	b.Publish(models.EntityEvent{OperationType: models.EventCreate, EntityID: "urn:x:1"})
	b.Publish(models.EntityEvent{OperationType: models.EventUpdate, EntityID: "urn:x:1"})

	event := <-b.Events()
	assert.Equal(t, models.EventCreate, event.OperationType)
	event = <-b.Events()
	assert.Equal(t, models.EventUpdate, event.OperationType)
}

func TestPublishNeverBlocksWhenFull(t *testing.T) {
	b := New(1)
	defer b.Close()

	b.Publish(models.EntityEvent{OperationType: models.EventCreate, EntityID: "urn:x:1"})
	// buffer is full; this one is dropped instead of blocking
	b.Publish(models.EntityEvent{OperationType: models.EventCreate, EntityID: "urn:x:2"})

	event := <-b.Events()
	assert.Equal(t, "urn:x:1", event.EntityID)

	select {
	case event, ok := <-b.Events():
		require.False(t, ok, "unexpected event %v", event)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(1)
	b.Close()
	b.Close()

	// publishing after close must not panic on the closed channel
	b.Publish(models.EntityEvent{OperationType: models.EventCreate, EntityID: "urn:x:1"})

	_, ok := <-b.Events()
	assert.False(t, ok)
}
