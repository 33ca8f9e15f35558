package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_DeliverInOrder(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	ctx := context.Background()

	go func() {
		for i := int64(1); i <= 3; i++ {
			sub.Deliver(ctx, models.Snapshot{Timestamp: i})
		}
	}()

	for want := int64(1); want <= 3; want++ {
		select {
		case snap := <-sub.Snapshots():
			assert.Equal(t, want, snap.Timestamp)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestSubscription_DeliverAfterCloseRefused(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	sub.Close()

	assert.False(t, sub.Deliver(context.Background(), models.Snapshot{}))
	assert.True(t, sub.Closed())
}

func TestSubscription_CloseUnblocksPendingDeliver(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	result := make(chan bool, 1)

	go func() {
		result <- sub.Deliver(context.Background(), models.Snapshot{Timestamp: 1})
	}()

	sub.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Deliver still blocked after Close")
	}
}

func TestSubscription_DeliverRespectsContext(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sub.Deliver(ctx, models.Snapshot{}))
}

func TestSubscription_FailOnlyFirstError(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	first := errors.New("permission denied")

	sub.Fail(first)
	sub.Fail(errors.New("second"))

	select {
	case err := <-sub.Err():
		assert.Equal(t, first, err)
	default:
		t.Fatal("expected a terminal error")
	}

	select {
	case err := <-sub.Err():
		t.Fatalf("unexpected second error: %v", err)
	default:
	}
}

func TestSubscription_FailAfterCloseDropped(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	sub.Close()
	sub.Fail(errors.New("late"))

	select {
	case err := <-sub.Err():
		t.Fatalf("error after close should be dropped: %v", err)
	default:
	}
}

func TestSubscription_CloseRunsHooksOnceInReverse(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})

	var order []int
	sub.OnClose(func() { order = append(order, 1) })
	sub.OnClose(func() { order = append(order, 2) })

	sub.Close()
	sub.Close()

	assert.Equal(t, []int{2, 1}, order)
}

func TestSubscription_OnCloseAfterCloseRunsImmediately(t *testing.T) {
	sub := New(models.Query{Collection: "listings"})
	sub.Close()

	ran := false
	sub.OnClose(func() { ran = true })
	assert.True(t, ran)
}

func TestSubscription_Query(t *testing.T) {
	q := models.Query{Collection: "enquiries"}.WithWhere("agentId", "ag-1")
	sub := New(q)
	require.NotNil(t, sub.Query().Where)
	assert.Equal(t, "ag-1", sub.Query().Where.Value)
}
