package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/metrics"
	"github.com/speedrun-hq/intentflow/pkg/plan"
	"github.com/speedrun-hq/intentflow/pkg/registry"
)

// StepResult describes the balance movement of one executed step.
type StepResult struct {
	Index     int         `json:"index"`
	Opcode    plan.Opcode `json:"opcode"`
	VenueID   uint64      `json:"venue_id"`
	AssetIn   uint64      `json:"asset_in"`
	AssetOut  uint64      `json:"asset_out"`
	AmountIn  uint64      `json:"amount_in"`
	AmountOut uint64      `json:"amount_out"`
	MinOut    uint64      `json:"min_out"`
}

// Receipt is the outcome of one ExecuteIntent call.
type Receipt struct {
	IntentID     uint64            `json:"intent_id"`
	Status       registry.Status   `json:"status"`
	Steps        []StepResult      `json:"steps"`
	Fee          uint64            `json:"fee"`
	FeeRecipient common.Address    `json:"fee_recipient"`
	Balances     map[uint64]uint64 `json:"balances"`
	Error        string            `json:"error,omitempty"`
}

// ExecuteIntent runs the plan of intent id as one atomic call.
//
// planBytes may be empty when the intent carries its plan inline. When a
// step fails under PolicyRecord the Failed status is committed and both the
// receipt and the step error are returned.
func (d *Dispatcher) ExecuteIntent(ctx context.Context, sender common.Address, id uint64, planBytes []byte, feeRecipient common.Address) (*Receipt, error) {
	start := time.Now()

	var (
		receipt *Receipt
		stepErr error
	)
	err := d.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		cfg, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if cfg.StorageRef != d.registry.Address() {
			return errs.New(errs.KindNotConfigured, "dispatcher storage ref %s is not the registry", cfg.StorageRef.Hex())
		}

		raw, err := d.registry.ReadIntentRaw(ctx, id)
		if err != nil {
			return err
		}
		record, err := registry.DecodeRecord(raw)
		if err != nil {
			return err
		}
		if err := checkExecutable(id, record); err != nil {
			return err
		}
		if !mayExecute(sender, record, cfg) {
			return errs.New(errs.KindUnauthorized, "%s may not execute intent %d", sender.Hex(), id)
		}

		data, err := resolvePlan(record, planBytes)
		if err != nil {
			return err
		}
		if err := d.guard.Evaluate(ctx, id, record.TriggerCondition); err != nil {
			return err
		}
		steps, err := plan.Decode(data)
		if err != nil {
			return err
		}
		if err := plan.Validate(steps, record.Version); err != nil {
			return err
		}

		if record.Status != registry.StatusExecuting {
			if err := d.registry.UpdateIntentStatus(ctx, d.address, id, registry.StatusExecuting, nil); err != nil {
				return err
			}
		}

		account := d.ExecutionAccount(id)
		var results []StepResult
		runErr := d.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
			var err error
			results, err = d.runSteps(ctx, tx, id, account, steps)
			return err
		})

		if runErr != nil {
			if cfg.FailurePolicy == PolicyAbort || errors.Is(runErr, errs.ErrStorage) {
				return runErr
			}
			if err := d.registry.UpdateIntentStatus(ctx, d.address, id, registry.StatusFailed, []byte(runErr.Error())); err != nil {
				return err
			}
			balances, err := tx.Balances(ctx, account)
			if err != nil {
				return err
			}
			tx.Emit(events.New(events.TopicIntentExecutionFailed, id, sender, map[string]string{
				"error":      runErr.Error(),
				"error_kind": string(errs.KindOf(runErr)),
			}))
			stepErr = runErr
			receipt = &Receipt{IntentID: id, Status: registry.StatusFailed, Steps: results, Balances: balances, Error: runErr.Error()}
			return nil
		}

		if err := d.registry.UpdateIntentStatus(ctx, d.address, id, registry.StatusSuccess, nil); err != nil {
			return err
		}
		if feeRecipient == (common.Address{}) {
			feeRecipient = sender
		}
		fee, err := d.settleFee(ctx, id, feeRecipient, cfg.FeeSplitBps)
		if err != nil {
			return err
		}
		balances, err := tx.Balances(ctx, account)
		if err != nil {
			return err
		}
		tx.Emit(events.New(events.TopicIntentExecuted, id, sender, executedAttributes(len(results), fee, feeRecipient, balances)))
		receipt = &Receipt{
			IntentID:     id,
			Status:       registry.StatusSuccess,
			Steps:        results,
			Fee:          fee,
			FeeRecipient: feeRecipient,
			Balances:     balances,
		}
		return nil
	})

	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.Executions.WithLabelValues("rejected").Inc()
		d.logger.DebugWithIntent(id, "Execution by %s rejected: %v", sender.Hex(), err)
		return nil, err
	case stepErr != nil:
		metrics.Executions.WithLabelValues("failed").Inc()
		d.logger.ErrorWithIntent(id, "Execution failed: %v", stepErr)
		return receipt, stepErr
	}
	metrics.Executions.WithLabelValues("success").Inc()
	d.logger.InfoWithIntent(id, "Executed %d steps, fee %d paid to %s", len(receipt.Steps), receipt.Fee, receipt.FeeRecipient.Hex())
	return receipt, nil
}

func checkExecutable(id uint64, record registry.IntentRecord) error {
	switch record.Status {
	case registry.StatusActive, registry.StatusExecuting:
		return nil
	case registry.StatusCreated:
		return errs.New(errs.KindInvalidTransition, "intent %d is not active", id)
	}
	return errs.New(errs.KindAlreadyFinalized, "intent %d is %s", id, record.Status)
}

// mayExecute allows the record keeper, the default keeper and the owner. A
// zero keeper lets anyone execute.
func mayExecute(sender common.Address, record registry.IntentRecord, cfg Config) bool {
	switch {
	case record.Keeper == (common.Address{}):
		return true
	case sender == record.Keeper, sender == record.Owner:
		return true
	case cfg.DefaultKeeper != (common.Address{}) && sender == cfg.DefaultKeeper:
		return true
	}
	return false
}

// resolvePlan picks the plan bytes to run and binds them to the stored hash.
func resolvePlan(record registry.IntentRecord, planBytes []byte) ([]byte, error) {
	if len(record.WorkflowBlob) > 0 && plan.Hash(record.WorkflowBlob) != record.WorkflowHash {
		return nil, errs.New(errs.KindPlanIntegrity, "stored workflow blob does not match workflow hash")
	}
	if len(planBytes) == 0 {
		if len(record.WorkflowBlob) == 0 {
			return nil, errs.New(errs.KindPlanIntegrity, "no plan supplied and none stored inline")
		}
		return record.WorkflowBlob, nil
	}
	if plan.Hash(planBytes) != record.WorkflowHash {
		return nil, errs.New(errs.KindPlanIntegrity, "plan digest %s does not match workflow hash %s",
			plan.Hash(planBytes).Hex(), record.WorkflowHash.Hex())
	}
	return planBytes, nil
}

func executedAttributes(steps int, fee uint64, recipient common.Address, balances map[uint64]uint64) map[string]string {
	attrs := map[string]string{
		"steps":         strconv.Itoa(steps),
		"fee":           strconv.FormatUint(fee, 10),
		"fee_recipient": recipient.Hex(),
	}
	for asset, amount := range balances {
		attrs["balance."+strconv.FormatUint(asset, 10)] = strconv.FormatUint(amount, 10)
	}
	return attrs
}
