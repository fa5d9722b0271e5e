package trigger

import (
	"context"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/metrics"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/plan"
)

// Guard decides whether an intent's trigger condition currently holds.
type Guard struct {
	oracle oracle.Reader
	logger logger.Logger
}

func NewGuard(reader oracle.Reader, log logger.Logger) *Guard {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Guard{oracle: reader, logger: log}
}

// Validate checks an encoded trigger without reading any oracle.
func (g *Guard) Validate(raw []byte) error {
	trigger, err := plan.DecodeTrigger(raw)
	if err != nil {
		return err
	}
	return trigger.Validate()
}

// Evaluate returns nil when the encoded trigger passes. A condition that does
// not hold yet is TriggerNotSatisfied; an unreadable value is OracleUnavailable.
func (g *Guard) Evaluate(ctx context.Context, intentID uint64, raw []byte) error {
	trigger, err := plan.DecodeTrigger(raw)
	if err != nil {
		metrics.TriggerEvaluations.WithLabelValues("malformed").Inc()
		return err
	}
	if err := trigger.Validate(); err != nil {
		metrics.TriggerEvaluations.WithLabelValues("malformed").Inc()
		return err
	}
	if trigger.Type == plan.TriggerNone {
		metrics.TriggerEvaluations.WithLabelValues("none").Inc()
		return nil
	}

	if g.oracle == nil {
		metrics.TriggerEvaluations.WithLabelValues("unavailable").Inc()
		return errs.New(errs.KindOracleUnavailable, "no oracle reader configured")
	}
	value, err := g.oracle.Read(ctx, trigger.OracleRef, trigger.OracleKey)
	if err != nil {
		metrics.TriggerEvaluations.WithLabelValues("unavailable").Inc()
		g.logger.DebugWithIntent(intentID, "Oracle %d key %q unreadable: %v", trigger.OracleRef, trigger.OracleKey, err)
		return errs.Wrap(errs.KindOracleUnavailable, err, "oracle %d key %q", trigger.OracleRef, trigger.OracleKey)
	}

	if !trigger.Satisfied(value) {
		metrics.TriggerEvaluations.WithLabelValues("not_satisfied").Inc()
		return errs.New(errs.KindTriggerNotSatisfied, "oracle value %d is not %s %d", value, trigger.Comparator, trigger.Threshold)
	}
	metrics.TriggerEvaluations.WithLabelValues("satisfied").Inc()
	return nil
}
