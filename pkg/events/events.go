package events

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/speedrun-hq/intentflow/pkg/logger"
)

// Topic names an event stream.
type Topic string

const (
	TopicIntentRegistered      Topic = "intent.registered"
	TopicIntentStatusChanged   Topic = "intent.status_changed"
	TopicIntentExecuted        Topic = "intent.executed"
	TopicIntentExecutionFailed Topic = "intent.execution_failed"
	TopicIntentWithdrawn       Topic = "intent.withdrawn"
	TopicIntentFeeSettled      Topic = "intent.fee_settled"
	TopicIntentDeposit         Topic = "intent.deposit"
	TopicOracleUpdated         Topic = "oracle.updated"
)

// Event is a log entry emitted by an engine call. Events are only published once the call commits.
type Event struct {
	ID         string            `json:"id"`
	Topic      Topic             `json:"topic"`
	IntentID   uint64            `json:"intent_id,omitempty"`
	Actor      common.Address    `json:"actor"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// New builds an event with a fresh id.
func New(topic Topic, intentID uint64, actor common.Address, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		IntentID:   intentID,
		Actor:      actor,
		Attributes: attrs,
		Timestamp:  time.Now().UTC(),
	}
}

// Sink receives committed events.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger logger.Logger
}

func (s LogSink) Publish(_ context.Context, events []Event) error {
	for _, ev := range events {
		s.Logger.InfoWithIntent(ev.IntentID, "event %s actor=%s %s", ev.Topic, ev.Actor.Hex(), formatAttributes(ev.Attributes))
	}
	return nil
}

func formatAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
	}
	return b.String()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByTopic returns the recorded events with the given topic.
func (r *Recorder) ByTopic(topic Topic) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
