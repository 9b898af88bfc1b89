package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/ledger"
)

var at = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	// GIVEN: a redis server and a subscriber on the ledger channel
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, DefaultRedisChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	pub := NewRedisPublisher(rdb, "")

	// WHEN: a credited event is published
	e := New(CommissionCredited, at).WithAmount(ledger.MustParseMoney("150.00"))
	e.AgentID = "agent-1"
	e.OrderID = "order-1"
	require.NoError(t, pub.Publish(ctx, e))

	// THEN: the subscriber receives the JSON payload
	select {
	case msg := <-ch:
		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "commission.credited", got["type"])
		assert.Equal(t, "agent-1", got["agent_id"])
		assert.Equal(t, "150.00", got["amount"])
		assert.NotContains(t, got, "withdrawal_id")
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByAgent(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{w: w}

	direct := New(CommissionCredited, at)
	direct.AgentID = "agent-1"
	withdraw := New(WithdrawalRequested, at)
	withdraw.UserID = "user-9"

	require.NoError(t, pub.Publish(context.Background(), direct, withdraw))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "agent-1", string(w.msgs[0].Key))
	assert.Equal(t, "user-9", string(w.msgs[1].Key))
	assert.Equal(t, "withdrawal.requested", string(w.msgs[1].Headers[0].Value))
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	pub := &KafkaPublisher{w: &fakeWriter{err: boom}}

	err := pub.Publish(context.Background(), New(CommissionsSettled, at))

	assert.ErrorIs(t, err, boom)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &Recorder{}
	failing := &Recorder{Err: errors.New("down")}

	err := Multi{ok, failing}.Publish(context.Background(), New(AgentReviewed, at))

	assert.Error(t, err)
	assert.Len(t, ok.Events(), 1)
}

func TestEmit_LogsInsteadOfFailing(t *testing.T) {
	failing := &Recorder{Err: errors.New("down")}

	assert.NotPanics(t, func() {
		Emit(context.Background(), failing, zap.NewNop(), New(WithdrawalRejected, at))
	})
	Emit(context.Background(), nil, zap.NewNop(), New(WithdrawalRejected, at))
}
