package venue

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/plan"
)

// AMMConfig describes a two-asset constant-product pool.
type AMMConfig struct {
	ID      uint64
	Address common.Address
	AssetA  uint64
	AssetB  uint64
	// LPAsset is the share token minted to liquidity providers.
	LPAsset uint64
	FeeBps  uint64
}

// AMM is a constant-product pool whose reserves are the ledger balances of
// its own address.
type AMM struct {
	cfg AMMConfig
}

func NewAMM(cfg AMMConfig) (*AMM, error) {
	if cfg.AssetA == cfg.AssetB || cfg.LPAsset == cfg.AssetA || cfg.LPAsset == cfg.AssetB {
		return nil, errs.New(errs.KindInvalidConfig, "amm %d: assets must be distinct", cfg.ID)
	}
	if cfg.FeeBps >= plan.SlippageScale {
		return nil, errs.New(errs.KindInvalidConfig, "amm %d: fee %d bps out of range", cfg.ID, cfg.FeeBps)
	}
	return &AMM{cfg: cfg}, nil
}

func (a *AMM) ID() uint64              { return a.cfg.ID }
func (a *AMM) Address() common.Address { return a.cfg.Address }

func (a *AMM) supplyKey() []byte {
	return binary.BigEndian.AppendUint64([]byte("venue:supply:"), a.cfg.ID)
}

// Supply returns the outstanding LP shares.
func (a *AMM) Supply(ctx context.Context, tx *ledger.Txn) (uint64, error) {
	return tx.GetUint64(ctx, a.supplyKey())
}

// Reserves returns the pool balances of both assets.
func (a *AMM) Reserves(ctx context.Context, tx *ledger.Txn) (uint64, uint64, error) {
	ra, err := tx.Balance(ctx, a.cfg.Address, a.cfg.AssetA)
	if err != nil {
		return 0, 0, err
	}
	rb, err := tx.Balance(ctx, a.cfg.Address, a.cfg.AssetB)
	if err != nil {
		return 0, 0, err
	}
	return ra, rb, nil
}

// Seed adds two-sided liquidity from provider, minting shares to it.
func (a *AMM) Seed(ctx context.Context, tx *ledger.Txn, provider common.Address, amountA, amountB uint64) (uint64, error) {
	ra, rb, err := a.Reserves(ctx, tx)
	if err != nil {
		return 0, err
	}
	supply, err := a.Supply(ctx, tx)
	if err != nil {
		return 0, err
	}

	var shares uint64
	if supply == 0 {
		shares = isqrt(mul(amountA, amountB))
	} else {
		sa := ratio(supply, amountA, ra)
		sb := ratio(supply, amountB, rb)
		shares = min(sa, sb)
	}
	if shares == 0 {
		return 0, errs.New(errs.KindInsufficientFunds, "amm %d: deposit too small to mint shares", a.cfg.ID)
	}

	if err := tx.Transfer(ctx, provider, a.cfg.Address, a.cfg.AssetA, amountA); err != nil {
		return 0, err
	}
	if err := tx.Transfer(ctx, provider, a.cfg.Address, a.cfg.AssetB, amountB); err != nil {
		return 0, err
	}
	return shares, a.mintShares(ctx, tx, provider, supply, shares)
}

func (a *AMM) Execute(ctx context.Context, tx *ledger.Txn, call Call) (Result, error) {
	if err := checkPool(a, call); err != nil {
		return Result{}, err
	}
	switch call.Action {
	case ActionSwap:
		return a.swap(ctx, tx, call)
	case ActionAddLiquidity:
		return a.addLiquidity(ctx, tx, call)
	case ActionRemoveLiquidity:
		return a.removeLiquidity(ctx, tx, call)
	default:
		return Result{}, unsupported(a, call)
	}
}

func (a *AMM) other(asset uint64) (uint64, bool) {
	switch asset {
	case a.cfg.AssetA:
		return a.cfg.AssetB, true
	case a.cfg.AssetB:
		return a.cfg.AssetA, true
	}
	return 0, false
}

func (a *AMM) swap(ctx context.Context, tx *ledger.Txn, call Call) (Result, error) {
	out, ok := a.other(call.AssetIn)
	if !ok || out != call.AssetOut {
		return Result{}, unsupported(a, call)
	}
	balIn, err := tx.Balance(ctx, a.cfg.Address, call.AssetIn)
	if err != nil {
		return Result{}, err
	}
	reserveOut, err := tx.Balance(ctx, a.cfg.Address, call.AssetOut)
	if err != nil {
		return Result{}, err
	}
	reserveIn := balIn - call.Amount

	// out = dx*(1-fee)*y / (x + dx*(1-fee))
	dx := new(big.Int).Mul(u(call.Amount), u(plan.SlippageScale-a.cfg.FeeBps))
	num := new(big.Int).Mul(dx, u(reserveOut))
	den := new(big.Int).Add(new(big.Int).Mul(u(reserveIn), u(plan.SlippageScale)), dx)
	if den.Sign() == 0 {
		return Result{}, errs.New(errs.KindInsufficientFunds, "amm %d has no liquidity", a.cfg.ID)
	}
	amountOut := new(big.Int).Quo(num, den).Uint64()

	if err := checkMinOut(a, amountOut, call.MinOut); err != nil {
		return Result{}, err
	}
	if err := tx.Transfer(ctx, a.cfg.Address, call.Account, call.AssetOut, amountOut); err != nil {
		return Result{}, err
	}
	return Result{Output: amountOut}, nil
}

// addLiquidity takes a single-sided deposit and mints
// S*(sqrt((x+dx)*y) - sqrt(x*y)) / sqrt(x*y) shares.
func (a *AMM) addLiquidity(ctx context.Context, tx *ledger.Txn, call Call) (Result, error) {
	pair, ok := a.other(call.AssetIn)
	if !ok || call.AssetOut != a.cfg.LPAsset {
		return Result{}, unsupported(a, call)
	}
	supply, err := a.Supply(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	balIn, err := tx.Balance(ctx, a.cfg.Address, call.AssetIn)
	if err != nil {
		return Result{}, err
	}
	y, err := tx.Balance(ctx, a.cfg.Address, pair)
	if err != nil {
		return Result{}, err
	}
	x := balIn - call.Amount
	if supply == 0 || x == 0 || y == 0 {
		return Result{}, errs.New(errs.KindInsufficientFunds, "amm %d must be seeded before single-sided deposits", a.cfg.ID)
	}

	before := new(big.Int).Sqrt(mul(x, y))
	after := new(big.Int).Sqrt(new(big.Int).Mul(u(balIn), u(y)))
	num := new(big.Int).Mul(u(supply), new(big.Int).Sub(after, before))
	shares := new(big.Int).Quo(num, before)
	if !shares.IsUint64() {
		return Result{}, errs.New(errs.KindInsufficientFunds, "amm %d: share amount overflows", a.cfg.ID)
	}

	minted := shares.Uint64()
	if err := checkMinOut(a, minted, call.MinOut); err != nil {
		return Result{}, err
	}
	if err := a.mintShares(ctx, tx, call.Account, supply, minted); err != nil {
		return Result{}, err
	}
	return Result{Output: minted}, nil
}

// removeLiquidity burns the shares sent to the pool and pays out both
// assets pro rata. The reported output is the AssetOut leg.
func (a *AMM) removeLiquidity(ctx context.Context, tx *ledger.Txn, call Call) (Result, error) {
	if call.AssetIn != a.cfg.LPAsset {
		return Result{}, unsupported(a, call)
	}
	if _, ok := a.other(call.AssetOut); !ok {
		return Result{}, unsupported(a, call)
	}
	supply, err := a.Supply(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	if call.Amount > supply || supply == 0 {
		return Result{}, errs.New(errs.KindInsufficientFunds, "amm %d: %d shares exceed supply %d", a.cfg.ID, call.Amount, supply)
	}
	ra, rb, err := a.Reserves(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	outA := ratio(ra, call.Amount, supply)
	outB := ratio(rb, call.Amount, supply)

	reported := outA
	if call.AssetOut == a.cfg.AssetB {
		reported = outB
	}
	if err := checkMinOut(a, reported, call.MinOut); err != nil {
		return Result{}, err
	}

	if err := tx.Burn(ctx, a.cfg.Address, a.cfg.LPAsset, call.Amount); err != nil {
		return Result{}, err
	}
	tx.PutUint64(a.supplyKey(), supply-call.Amount)
	if err := tx.Transfer(ctx, a.cfg.Address, call.Account, a.cfg.AssetA, outA); err != nil {
		return Result{}, err
	}
	if err := tx.Transfer(ctx, a.cfg.Address, call.Account, a.cfg.AssetB, outB); err != nil {
		return Result{}, err
	}
	return Result{Output: reported}, nil
}

func (a *AMM) mintShares(ctx context.Context, tx *ledger.Txn, to common.Address, supply, shares uint64) error {
	if err := tx.Mint(ctx, to, a.cfg.LPAsset, shares); err != nil {
		return err
	}
	tx.PutUint64(a.supplyKey(), supply+shares)
	return nil
}

func u(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func mul(a, b uint64) *big.Int { return new(big.Int).Mul(u(a), u(b)) }

func isqrt(v *big.Int) uint64 { return new(big.Int).Sqrt(v).Uint64() }

// ratio returns floor(total*part/whole), saturating at MaxUint64.
func ratio(total, part, whole uint64) uint64 {
	if whole == 0 {
		return 0
	}
	r := new(big.Int).Quo(mul(total, part), u(whole))
	if !r.IsUint64() {
		return ^uint64(0)
	}
	return r.Uint64()
}
