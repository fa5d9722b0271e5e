package events

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, []Event) error { return f.err }

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	actor := common.HexToAddress("0x01")

	require.NoError(t, r.Publish(context.Background(), []Event{
		New(TopicIntentRegistered, 1, actor, nil),
		New(TopicIntentStatusChanged, 1, actor, map[string]string{"from": "ACTIVE", "to": "EXECUTING"}),
	}))

	all := r.Events()
	require.Len(t, all, 2)
	assert.NotEqual(t, all[0].ID, all[1].ID)
	assert.Len(t, r.ByTopic(TopicIntentStatusChanged), 1)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestFanout(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("broker down")
	f := Fanout{a, failingSink{err: boom}, b}

	err := f.Publish(context.Background(), []Event{New(TopicIntentWithdrawn, 3, common.Address{}, nil)})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestFormatAttributes(t *testing.T) {
	assert.Equal(t, "a=1 b=2", formatAttributes(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "", formatAttributes(nil))
}

func TestAMQPSink(t *testing.T) {
	url := os.Getenv("AMQP_TEST_URL")
	if url == "" {
		t.Skip("AMQP_TEST_URL not set")
	}
	sink, err := NewAMQPSink(AMQPConfig{URL: url, Exchange: "intentflow.test"})
	require.NoError(t, err)
	defer sink.Close()

	assert.NoError(t, sink.Publish(context.Background(), []Event{New(TopicIntentRegistered, 1, common.Address{}, nil)}))
}
