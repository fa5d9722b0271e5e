package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/contracts"
)

// Aggregator reads price feed aggregator contracts on an EVM chain. Each
// oracle reference maps to one feed contract; the oracle key is not used.
type Aggregator struct {
	caller bind.ContractCaller
	maxAge time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	feeds map[uint64]*contracts.AggregatorCaller
}

// NewAggregator creates a reader over caller. Answers older than maxAge are
// rejected; zero disables the staleness check.
func NewAggregator(caller bind.ContractCaller, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		caller: caller,
		maxAge: maxAge,
		now:    time.Now,
		feeds:  make(map[uint64]*contracts.AggregatorCaller),
	}
}

// AddFeed binds ref to the aggregator deployed at address.
func (a *Aggregator) AddFeed(ref uint64, address common.Address) error {
	binding, err := contracts.NewAggregatorCaller(address, a.caller)
	if err != nil {
		return fmt.Errorf("failed to bind aggregator %s: %w", address.Hex(), err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[ref] = binding
	return nil
}

func (a *Aggregator) Read(ctx context.Context, ref uint64, _ []byte) (uint64, error) {
	a.mu.RLock()
	binding, ok := a.feeds[ref]
	a.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("oracle %d: %w", ref, ErrNoValue)
	}

	round, err := binding.LatestRoundData(&bind.CallOpts{Context: ctx})
	if err != nil {
		return 0, fmt.Errorf("oracle %d: latestRoundData failed: %w", ref, err)
	}
	if round.Answer == nil || round.Answer.Sign() < 0 || !round.Answer.IsUint64() {
		return 0, fmt.Errorf("oracle %d: answer %v out of range", ref, round.Answer)
	}
	if round.UpdatedAt == nil || round.UpdatedAt.Sign() == 0 {
		return 0, fmt.Errorf("oracle %d: round not complete", ref)
	}
	if a.maxAge > 0 && round.UpdatedAt.IsInt64() {
		updated := time.Unix(round.UpdatedAt.Int64(), 0)
		if age := a.now().Sub(updated); age > a.maxAge {
			return 0, fmt.Errorf("oracle %d: answer is stale by %s", ref, age.Round(time.Second))
		}
	}
	return round.Answer.Uint64(), nil
}
