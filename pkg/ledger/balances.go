package ledger

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

// NativeAsset is the asset collateral is paid in unless an intent names another.
const NativeAsset uint64 = 0

var (
	balancePrefix = []byte("bal:")
	assetsPrefix  = []byte("assets:")
)

func balanceKey(acct common.Address, asset uint64) []byte {
	key := make([]byte, 0, len(balancePrefix)+common.AddressLength+8)
	key = append(key, balancePrefix...)
	key = append(key, acct.Bytes()...)
	return binary.BigEndian.AppendUint64(key, asset)
}

func assetsKey(acct common.Address) []byte {
	return append(append([]byte{}, assetsPrefix...), acct.Bytes()...)
}

// Balance returns the amount of asset held by acct.
func (t *Txn) Balance(ctx context.Context, acct common.Address, asset uint64) (uint64, error) {
	return t.GetUint64(ctx, balanceKey(acct, asset))
}

// Assets lists the assets acct has ever held, in ascending order.
func (t *Txn) Assets(ctx context.Context, acct common.Address) ([]uint64, error) {
	raw, _, err := t.Get(ctx, assetsKey(acct))
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, errs.New(errs.KindStorage, "corrupt asset index for %s", acct.Hex())
	}
	assets := make([]uint64, 0, len(raw)/8)
	for i := 0; i < len(raw); i += 8 {
		assets = append(assets, binary.BigEndian.Uint64(raw[i:i+8]))
	}
	return assets, nil
}

// Balances returns every non-zero balance of acct.
func (t *Txn) Balances(ctx context.Context, acct common.Address) (map[uint64]uint64, error) {
	assets, err := t.Assets(ctx, acct)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]uint64, len(assets))
	for _, asset := range assets {
		amount, err := t.Balance(ctx, acct, asset)
		if err != nil {
			return nil, err
		}
		if amount > 0 {
			out[asset] = amount
		}
	}
	return out, nil
}

func (t *Txn) setBalance(ctx context.Context, acct common.Address, asset, amount uint64) error {
	t.PutUint64(balanceKey(acct, asset), amount)
	if amount == 0 {
		return nil
	}

	assets, err := t.Assets(ctx, acct)
	if err != nil {
		return err
	}
	idx := sort.Search(len(assets), func(i int) bool { return assets[i] >= asset })
	if idx < len(assets) && assets[idx] == asset {
		return nil
	}
	assets = append(assets, 0)
	copy(assets[idx+1:], assets[idx:])
	assets[idx] = asset

	raw := make([]byte, 0, len(assets)*8)
	for _, a := range assets {
		raw = binary.BigEndian.AppendUint64(raw, a)
	}
	t.Put(assetsKey(acct), raw)
	return nil
}

// Transfer moves amount of asset between accounts.
func (t *Txn) Transfer(ctx context.Context, from, to common.Address, asset, amount uint64) error {
	if amount == 0 {
		return nil
	}
	fromBal, err := t.Balance(ctx, from, asset)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return errs.New(errs.KindInsufficientFunds, "%s holds %d of asset %d, needs %d", from.Hex(), fromBal, asset, amount)
	}
	if from == to {
		return nil
	}
	toBal, err := t.Balance(ctx, to, asset)
	if err != nil {
		return err
	}
	if toBal > math.MaxUint64-amount {
		return errs.New(errs.KindInsufficientFunds, "balance of %s overflows for asset %d", to.Hex(), asset)
	}
	if err := t.setBalance(ctx, from, asset, fromBal-amount); err != nil {
		return err
	}
	return t.setBalance(ctx, to, asset, toBal+amount)
}

// Mint creates amount of asset in acct.
func (t *Txn) Mint(ctx context.Context, acct common.Address, asset, amount uint64) error {
	if amount == 0 {
		return nil
	}
	bal, err := t.Balance(ctx, acct, asset)
	if err != nil {
		return err
	}
	if bal > math.MaxUint64-amount {
		return errs.New(errs.KindInsufficientFunds, "mint of asset %d overflows %s", asset, acct.Hex())
	}
	return t.setBalance(ctx, acct, asset, bal+amount)
}

// Burn destroys amount of asset held by acct.
func (t *Txn) Burn(ctx context.Context, acct common.Address, asset, amount uint64) error {
	if amount == 0 {
		return nil
	}
	bal, err := t.Balance(ctx, acct, asset)
	if err != nil {
		return err
	}
	if bal < amount {
		return errs.New(errs.KindInsufficientFunds, "%s holds %d of asset %d, cannot burn %d", acct.Hex(), bal, asset, amount)
	}
	return t.setBalance(ctx, acct, asset, bal-amount)
}
