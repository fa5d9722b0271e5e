package venue

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
)

// Staking locks StakeAsset and issues ReceiptAsset one to one.
type Staking struct {
	id           uint64
	address      common.Address
	stakeAsset   uint64
	receiptAsset uint64
}

func NewStaking(id uint64, address common.Address, stakeAsset, receiptAsset uint64) (*Staking, error) {
	if stakeAsset == receiptAsset {
		return nil, errs.New(errs.KindInvalidConfig, "staking %d: stake and receipt asset must differ", id)
	}
	return &Staking{id: id, address: address, stakeAsset: stakeAsset, receiptAsset: receiptAsset}, nil
}

func (s *Staking) ID() uint64              { return s.id }
func (s *Staking) Address() common.Address { return s.address }

func (s *Staking) Execute(ctx context.Context, tx *ledger.Txn, call Call) (Result, error) {
	if err := checkPool(s, call); err != nil {
		return Result{}, err
	}
	switch {
	case call.Action == ActionStake && call.AssetIn == s.stakeAsset && call.AssetOut == s.receiptAsset:
		if err := checkMinOut(s, call.Amount, call.MinOut); err != nil {
			return Result{}, err
		}
		if err := tx.Mint(ctx, call.Account, s.receiptAsset, call.Amount); err != nil {
			return Result{}, err
		}
		return Result{Output: call.Amount}, nil

	case call.Action == ActionUnstake && call.AssetIn == s.receiptAsset && call.AssetOut == s.stakeAsset:
		if err := checkMinOut(s, call.Amount, call.MinOut); err != nil {
			return Result{}, err
		}
		if err := tx.Burn(ctx, s.address, s.receiptAsset, call.Amount); err != nil {
			return Result{}, err
		}
		if err := tx.Transfer(ctx, s.address, call.Account, s.stakeAsset, call.Amount); err != nil {
			return Result{}, err
		}
		return Result{Output: call.Amount}, nil
	}
	return Result{}, unsupported(s, call)
}
