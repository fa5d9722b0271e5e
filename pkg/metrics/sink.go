package metrics

import (
	"context"
	"strconv"

	"github.com/speedrun-hq/intentflow/pkg/events"
)

// Sink derives lifecycle counters from committed events, so calls that roll
// back are never counted.
type Sink struct{}

func (Sink) Publish(_ context.Context, evs []events.Event) error {
	for _, ev := range evs {
		switch ev.Topic {
		case events.TopicIntentRegistered:
			IntentsRegistered.Inc()
			CollateralLocked.Add(attrFloat(ev, "collateral"))
		case events.TopicIntentStatusChanged:
			StatusTransitions.WithLabelValues(ev.Attributes["from"], ev.Attributes["to"]).Inc()
		case events.TopicIntentWithdrawn:
			CollateralReleased.Add(attrFloat(ev, "amount"))
		case events.TopicIntentFeeSettled:
			FeesPaid.Add(attrFloat(ev, "fee"))
		}
	}
	return nil
}

func attrFloat(ev events.Event, name string) float64 {
	v, err := strconv.ParseUint(ev.Attributes[name], 10, 64)
	if err != nil {
		return 0
	}
	return float64(v)
}
