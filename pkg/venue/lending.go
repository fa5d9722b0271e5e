package venue

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
)

// RateScale is the fixed-point scale of lending exchange rates.
const RateScale uint64 = 1_000_000

// Lending is a single-market lending pool. Suppliers receive ReceiptAsset at
// the current exchange rate (underlying per receipt, scaled by RateScale).
type Lending struct {
	id         uint64
	address    common.Address
	underlying uint64
	receipt    uint64
	initRate   uint64
}

func NewLending(id uint64, address common.Address, underlying, receipt, rate uint64) (*Lending, error) {
	if underlying == receipt {
		return nil, errs.New(errs.KindInvalidConfig, "lending %d: underlying and receipt asset must differ", id)
	}
	if rate == 0 {
		rate = RateScale
	}
	return &Lending{id: id, address: address, underlying: underlying, receipt: receipt, initRate: rate}, nil
}

func (l *Lending) ID() uint64              { return l.id }
func (l *Lending) Address() common.Address { return l.address }

func (l *Lending) rateKey() []byte {
	return binary.BigEndian.AppendUint64([]byte("venue:rate:"), l.id)
}

// Rate returns the current exchange rate.
func (l *Lending) Rate(ctx context.Context, tx *ledger.Txn) (uint64, error) {
	rate, err := tx.GetUint64(ctx, l.rateKey())
	if err != nil {
		return 0, err
	}
	if rate == 0 {
		return l.initRate, nil
	}
	return rate, nil
}

// SetRate accrues interest by raising the exchange rate.
func (l *Lending) SetRate(tx *ledger.Txn, rate uint64) error {
	if rate == 0 {
		return errs.New(errs.KindInvalidConfig, "lending %d: rate must be positive", l.id)
	}
	tx.PutUint64(l.rateKey(), rate)
	return nil
}

func (l *Lending) Execute(ctx context.Context, tx *ledger.Txn, call Call) (Result, error) {
	if err := checkPool(l, call); err != nil {
		return Result{}, err
	}
	rate, err := l.Rate(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	switch {
	case call.Action == ActionSupply && call.AssetIn == l.underlying && call.AssetOut == l.receipt:
		minted := ratio(call.Amount, RateScale, rate)
		if err := checkMinOut(l, minted, call.MinOut); err != nil {
			return Result{}, err
		}
		if err := tx.Mint(ctx, call.Account, l.receipt, minted); err != nil {
			return Result{}, err
		}
		return Result{Output: minted}, nil

	case call.Action == ActionRedeem && call.AssetIn == l.receipt && call.AssetOut == l.underlying:
		out := ratio(call.Amount, rate, RateScale)
		if err := checkMinOut(l, out, call.MinOut); err != nil {
			return Result{}, err
		}
		if err := tx.Burn(ctx, l.address, l.receipt, call.Amount); err != nil {
			return Result{}, err
		}
		if err := tx.Transfer(ctx, l.address, call.Account, l.underlying, out); err != nil {
			return Result{}, err
		}
		return Result{Output: out}, nil
	}
	return Result{}, unsupported(l, call)
}
