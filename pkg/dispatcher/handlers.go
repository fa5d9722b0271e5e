package dispatcher

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/metrics"
	"github.com/speedrun-hq/intentflow/pkg/plan"
	"github.com/speedrun-hq/intentflow/pkg/venue"
)

func (d *Dispatcher) runSteps(ctx context.Context, tx *ledger.Txn, id uint64, account common.Address, steps []plan.Step) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i, s := range steps {
		res, err := d.runStep(ctx, tx, account, s)
		if err != nil {
			metrics.StepsExecuted.WithLabelValues(s.Opcode.String(), "failed").Inc()
			return results, fmt.Errorf("step %d (%s): %w", i, s.Opcode, err)
		}
		metrics.StepsExecuted.WithLabelValues(s.Opcode.String(), "success").Inc()
		res.Index = i
		results = append(results, res)
		d.logger.DebugWithIntent(id, "Step %d %s: in %d of asset %d, out %d of asset %d", i, s.Opcode, res.AmountIn, res.AssetIn, res.AmountOut, res.AssetOut)
	}
	return results, nil
}

func (d *Dispatcher) runStep(ctx context.Context, tx *ledger.Txn, account common.Address, s plan.Step) (StepResult, error) {
	amount, err := resolveAmount(ctx, tx, account, s)
	if err != nil {
		return StepResult{}, err
	}
	target, err := s.Target()
	if err != nil {
		return StepResult{}, err
	}

	switch s.Opcode {
	case plan.OpTransfer:
		return transfer(ctx, tx, account, target, s, amount)
	case plan.OpSwap:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionSwap)
	case plan.OpProvideLiquidity:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionAddLiquidity)
	case plan.OpWithdrawLiquidity:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionRemoveLiquidity)
	case plan.OpStake:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionStake)
	case plan.OpUnstake:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionUnstake)
	case plan.OpLendSupply:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionSupply)
	case plan.OpLendWithdraw:
		return d.callVenue(ctx, tx, account, target, s, amount, venue.ActionRedeem)
	}
	return StepResult{}, errs.New(errs.KindUnsupportedOpcode, "opcode %d has no handler", uint64(s.Opcode))
}

// resolveAmount applies the chaining convention: zero means the whole
// current balance of asset_in.
func resolveAmount(ctx context.Context, tx *ledger.Txn, account common.Address, s plan.Step) (uint64, error) {
	if s.Amount != 0 {
		return s.Amount, nil
	}
	bal, err := tx.Balance(ctx, account, s.AssetIn)
	if err != nil {
		return 0, err
	}
	if bal == 0 {
		return 0, errs.New(errs.KindInsufficientFunds, "no balance of asset %d to chain into %s", s.AssetIn, s.Opcode)
	}
	return bal, nil
}

func transfer(ctx context.Context, tx *ledger.Txn, account, recipient common.Address, s plan.Step, amount uint64) (StepResult, error) {
	if err := tx.Transfer(ctx, account, recipient, s.AssetIn, amount); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Opcode:   s.Opcode,
		AssetIn:  s.AssetIn,
		AssetOut: s.AssetIn,
		AmountIn: amount,
	}, nil
}

func (d *Dispatcher) callVenue(ctx context.Context, tx *ledger.Txn, account, pool common.Address, s plan.Step, amount uint64, action venue.Action) (StepResult, error) {
	v, err := d.venues.Get(s.VenueID)
	if err != nil {
		return StepResult{}, err
	}
	minOut := plan.AmountAfterSlippage(amount, s.SlippageBps)

	before, err := tx.Balance(ctx, account, s.AssetOut)
	if err != nil {
		return StepResult{}, err
	}
	if err := tx.Transfer(ctx, account, pool, s.AssetIn, amount); err != nil {
		return StepResult{}, err
	}
	res, err := v.Execute(ctx, tx, venue.Call{
		Action:   action,
		Account:  account,
		Pool:     pool,
		AssetIn:  s.AssetIn,
		AssetOut: s.AssetOut,
		Amount:   amount,
		MinOut:   minOut,
		Data:     s.Tail(),
	})
	if err != nil {
		return StepResult{}, err
	}
	after, err := tx.Balance(ctx, account, s.AssetOut)
	if err != nil {
		return StepResult{}, err
	}

	var delta uint64
	if after > before {
		delta = after - before
	}
	out := min(res.Output, delta)
	if out < minOut {
		return StepResult{}, errs.New(errs.KindSlippageExceeded, "received %d of asset %d, minimum %d", out, s.AssetOut, minOut)
	}
	return StepResult{
		Opcode:    s.Opcode,
		VenueID:   s.VenueID,
		AssetIn:   s.AssetIn,
		AssetOut:  s.AssetOut,
		AmountIn:  amount,
		AmountOut: out,
		MinOut:    minOut,
	}, nil
}
