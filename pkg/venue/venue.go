package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
)

// Action is the operation requested from a venue.
type Action uint8

const (
	ActionSwap Action = iota + 1
	ActionAddLiquidity
	ActionRemoveLiquidity
	ActionStake
	ActionUnstake
	ActionSupply
	ActionRedeem
)

var actionNames = map[Action]string{
	ActionSwap:            "swap",
	ActionAddLiquidity:    "add_liquidity",
	ActionRemoveLiquidity: "remove_liquidity",
	ActionStake:           "stake",
	ActionUnstake:         "unstake",
	ActionSupply:          "supply",
	ActionRedeem:          "redeem",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Call is one venue invocation. The input amount has already been transferred
// to Pool in the same call; outputs are paid to Account.
type Call struct {
	Action   Action
	Account  common.Address
	Pool     common.Address
	AssetIn  uint64
	AssetOut uint64
	Amount   uint64
	MinOut   uint64
	Data     []byte
}

// Result is what the venue reports back.
type Result struct {
	Output uint64
}

// Venue is an external liquidity, staking or lending protocol.
type Venue interface {
	ID() uint64
	Address() common.Address
	Execute(ctx context.Context, tx *ledger.Txn, call Call) (Result, error)
}

// Registry resolves venue ids named by workflow steps.
type Registry struct {
	mu     sync.RWMutex
	venues map[uint64]Venue
}

func NewRegistry() *Registry {
	return &Registry{venues: make(map[uint64]Venue)}
}

// Register adds v; ids must be unique.
func (r *Registry) Register(v Venue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[v.ID()]; exists {
		return fmt.Errorf("venue %d already registered", v.ID())
	}
	r.venues[v.ID()] = v
	return nil
}

// Get returns the venue with the given id.
func (r *Registry) Get(id uint64) (Venue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	if !ok {
		return nil, errs.New(errs.KindUnknownVenue, "venue %d is not registered", id)
	}
	return v, nil
}

// IDs lists registered venue ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.venues))
	for id := range r.venues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func checkPool(v Venue, call Call) error {
	if call.Pool != v.Address() {
		return fmt.Errorf("venue %d: input sent to %s, expected %s", v.ID(), call.Pool.Hex(), v.Address().Hex())
	}
	return nil
}

func checkMinOut(v Venue, out, minOut uint64) error {
	if out < minOut {
		return errs.New(errs.KindSlippageExceeded, "venue %d: output %d below minimum %d", v.ID(), out, minOut)
	}
	return nil
}

func unsupported(v Venue, call Call) error {
	return fmt.Errorf("venue %d does not support %s of asset %d to %d", v.ID(), call.Action, call.AssetIn, call.AssetOut)
}
