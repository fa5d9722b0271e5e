package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/plan"
	"github.com/speedrun-hq/intentflow/pkg/registry"
	"github.com/speedrun-hq/intentflow/pkg/store"
	"github.com/speedrun-hq/intentflow/pkg/trigger"
	"github.com/speedrun-hq/intentflow/pkg/venue"
)

const (
	usdc  uint64 = 1
	weth  uint64 = 2
	lp    uint64 = 3
	stETH uint64 = 4

	ammID     uint64 = 1
	stakingID uint64 = 2
	liarID    uint64 = 3

	priceRef uint64 = 7
)

var (
	registryAddr   = common.HexToAddress("0x5000000000000000000000000000000000000001")
	dispatcherAddr = common.HexToAddress("0x5000000000000000000000000000000000000002")
	ammAddr        = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	stakingAddr    = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	liarAddr       = common.HexToAddress("0x00000000000000000000000000000000000a0003")
	admin          = common.HexToAddress("0xad00000000000000000000000000000000000001")
	owner          = common.HexToAddress("0x0100000000000000000000000000000000000001")
	keeperAddr     = common.HexToAddress("0x0200000000000000000000000000000000000001")
	stranger       = common.HexToAddress("0x0300000000000000000000000000000000000001")
	provider       = common.HexToAddress("0x0400000000000000000000000000000000000001")
	priceKey       = []byte("ETH/USD")
)

// liar reports more output than it pays.
type liar struct{}

func (liar) ID() uint64              { return liarID }
func (liar) Address() common.Address { return liarAddr }
func (liar) Execute(ctx context.Context, tx *ledger.Txn, call venue.Call) (venue.Result, error) {
	if err := tx.Mint(ctx, call.Account, call.AssetOut, call.Amount/2); err != nil {
		return venue.Result{}, err
	}
	return venue.Result{Output: call.Amount}, nil
}

type fixture struct {
	chain      *ledger.Chain
	registry   *registry.Registry
	dispatcher *Dispatcher
	prices     *oracle.Static
	recorder   *events.Recorder
}

func newFixture(t *testing.T, policy FailurePolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	rec := events.NewRecorder()
	chain := ledger.New(store.NewMemoryStore(), rec, nil)
	reg := registry.New(chain, registry.Options{Address: registryAddr})
	require.NoError(t, reg.Init(ctx, registry.Config{
		Owner:         admin,
		MinCollateral: 100_000,
		FeeCapBps:     500,
		Executor:      dispatcherAddr,
	}))

	prices := oracle.NewStatic()
	venues := venue.NewRegistry()
	amm, err := venue.NewAMM(venue.AMMConfig{ID: ammID, Address: ammAddr, AssetA: usdc, AssetB: weth, LPAsset: lp, FeeBps: 30})
	require.NoError(t, err)
	staking, err := venue.NewStaking(stakingID, stakingAddr, weth, stETH)
	require.NoError(t, err)
	require.NoError(t, venues.Register(amm))
	require.NoError(t, venues.Register(staking))
	require.NoError(t, venues.Register(liar{}))

	d := New(chain, reg, trigger.NewGuard(prices, nil), venues, Options{Address: dispatcherAddr})
	require.NoError(t, d.Init(ctx, Config{
		Owner:         admin,
		StorageRef:    registryAddr,
		FeeSplitBps:   100,
		FailurePolicy: policy,
	}))

	require.NoError(t, chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		require.NoError(t, tx.Mint(ctx, owner, ledger.NativeAsset, 10_000_000))
		require.NoError(t, tx.Mint(ctx, owner, usdc, 1_000_000_000))
		require.NoError(t, tx.Mint(ctx, provider, usdc, 1_000_000_000_000))
		require.NoError(t, tx.Mint(ctx, provider, weth, 1_000_000_000_000))
		_, err := amm.Seed(ctx, tx, provider, 1_000_000_000_000, 1_000_000_000_000)
		return err
	}))
	rec.Reset()

	return &fixture{chain: chain, registry: reg, dispatcher: d, prices: prices, recorder: rec}
}

type intentOpts struct {
	collateral uint64
	keeper     common.Address
	version    uint64
	inline     bool
	trigger    []byte
}

func (f *fixture) register(t *testing.T, steps []plan.Step, o intentOpts) (uint64, []byte) {
	t.Helper()
	data, err := plan.Encode(steps)
	require.NoError(t, err)
	if o.collateral == 0 {
		o.collateral = 200_000
	}
	req := registry.RegisterRequest{
		WorkflowHash:     plan.Hash(data),
		Collateral:       o.collateral,
		Keeper:           o.keeper,
		Version:          o.version,
		TriggerCondition: o.trigger,
	}
	if o.inline {
		req.WorkflowBlob = data
	}
	id, err := f.registry.RegisterIntent(context.Background(), owner, req, &registry.Payment{
		From: owner, To: registryAddr, Asset: ledger.NativeAsset, Amount: o.collateral,
	})
	require.NoError(t, err)
	return id, data
}

func (f *fixture) status(t *testing.T, id uint64) registry.Status {
	t.Helper()
	record, err := f.registry.ExportIntent(context.Background(), id)
	require.NoError(t, err)
	return record.Status
}

func (f *fixture) balance(t *testing.T, acct common.Address, asset uint64) uint64 {
	t.Helper()
	var bal uint64
	require.NoError(t, f.chain.View(context.Background(), func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		bal, err = tx.Balance(ctx, acct, asset)
		return err
	}))
	return bal
}

func swapStep(amount, slippage uint64) plan.Step {
	return plan.Step{
		Opcode: plan.OpSwap, VenueID: ammID, AssetIn: usdc, AssetOut: weth,
		Amount: amount, SlippageBps: slippage, Extra: plan.AddressWord(ammAddr),
	}
}

func TestExecuteScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	id, data := f.register(t, []plan.Step{swapStep(100_000000, 100)}, intentOpts{keeper: keeperAddr})
	require.Equal(t, uint64(1), id)
	require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 100_000000))
	account := f.dispatcher.ExecutionAccount(id)

	receipt, err := f.dispatcher.ExecuteIntent(ctx, keeperAddr, id, data, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuccess, receipt.Status)
	require.Len(t, receipt.Steps, 1)

	out := receipt.Steps[0].AmountOut
	assert.GreaterOrEqual(t, out, uint64(99_000000))
	assert.Less(t, out, uint64(100_000000))
	assert.Equal(t, uint64(99_000000), receipt.Steps[0].MinOut)
	assert.Equal(t, map[uint64]uint64{weth: out}, receipt.Balances)
	assert.Equal(t, out, f.balance(t, account, weth))
	assert.Zero(t, f.balance(t, account, usdc))

	// 1% of collateral, below the 5% cap
	assert.Equal(t, uint64(2000), receipt.Fee)
	assert.Equal(t, keeperAddr, receipt.FeeRecipient)
	assert.Equal(t, uint64(2000), f.balance(t, keeperAddr, ledger.NativeAsset))
	assert.Equal(t, registry.StatusSuccess, f.status(t, id))
	assert.Len(t, f.recorder.ByTopic(events.TopicIntentExecuted), 1)
	assert.Len(t, f.recorder.ByTopic(events.TopicIntentFeeSettled), 1)

	released, err := f.registry.WithdrawIntent(ctx, owner, id, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(198_000), released)
	assert.Equal(t, uint64(10_000_000-2000), f.balance(t, owner, ledger.NativeAsset))
	assert.Zero(t, f.balance(t, registryAddr, ledger.NativeAsset))

	swept, err := f.dispatcher.Sweep(ctx, owner, id, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{weth: out}, swept)
	assert.Equal(t, out, f.balance(t, owner, weth))

	_, err = f.registry.WithdrawIntent(ctx, owner, id, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrNotWithdrawable))
}

func TestExecuteHashBinding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	id, _ := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{})
	other, err := plan.Encode([]plan.Step{swapStep(1001, 100)})
	require.NoError(t, err)

	_, err = f.dispatcher.ExecuteIntent(ctx, owner, id, other, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrPlanIntegrity))
	_, err = f.dispatcher.ExecuteIntent(ctx, owner, id, nil, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrPlanIntegrity), "no inline blob to fall back to")
	assert.Equal(t, registry.StatusActive, f.status(t, id))
	assert.Empty(t, f.recorder.ByTopic(events.TopicIntentStatusChanged))

	t.Run("inline blob is used when no plan is supplied", func(t *testing.T) {
		id, _ := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{inline: true})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))
		receipt, err := f.dispatcher.ExecuteIntent(ctx, owner, id, nil, common.Address{})
		require.NoError(t, err)
		assert.Equal(t, registry.StatusSuccess, receipt.Status)
	})

	t.Run("inline blob and supplied plan must both match", func(t *testing.T) {
		id, _ := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{inline: true})
		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, other, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrPlanIntegrity))
	})
}

func TestExecuteChaining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	steps := []plan.Step{
		swapStep(50_000, 100),
		{Opcode: plan.OpStake, VenueID: stakingID, AssetIn: weth, AssetOut: stETH, Amount: 0, SlippageBps: 0, Extra: plan.AddressWord(stakingAddr)},
		{Opcode: plan.OpTransfer, AssetIn: stETH, Amount: 1000, Extra: plan.AddressWord(stranger)},
	}
	id, data := f.register(t, steps, intentOpts{})
	require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 50_000))

	receipt, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
	require.NoError(t, err)
	require.Len(t, receipt.Steps, 3)

	swapped := receipt.Steps[0].AmountOut
	assert.Equal(t, swapped, receipt.Steps[1].AmountIn, "amount 0 consumes the previous output")
	assert.Equal(t, swapped, receipt.Steps[1].AmountOut)
	assert.Equal(t, uint64(1000), receipt.Steps[2].AmountIn)

	account := f.dispatcher.ExecutionAccount(id)
	assert.Zero(t, f.balance(t, account, weth))
	assert.Equal(t, swapped-1000, f.balance(t, account, stETH))
	assert.Equal(t, uint64(1000), f.balance(t, stranger, stETH))
}

func TestExecuteFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("slippage failure is recorded", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		id, data := f.register(t, []plan.Step{swapStep(1000, 0)}, intentOpts{})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))
		account := f.dispatcher.ExecutionAccount(id)

		receipt, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrSlippageExceeded))
		require.NotNil(t, receipt)
		assert.Equal(t, registry.StatusFailed, receipt.Status)
		assert.Equal(t, registry.StatusFailed, f.status(t, id))

		// step movements rolled back
		assert.Equal(t, uint64(1000), f.balance(t, account, usdc))
		assert.Zero(t, f.balance(t, account, weth))
		assert.Len(t, f.recorder.ByTopic(events.TopicIntentExecutionFailed), 1)
		assert.Empty(t, f.recorder.ByTopic(events.TopicIntentFeeSettled))

		released, err := f.registry.WithdrawIntent(ctx, owner, id, common.Address{})
		require.NoError(t, err)
		assert.Equal(t, uint64(200_000), released, "no fee on failure")
	})

	t.Run("abort policy leaves the intent active", func(t *testing.T) {
		f := newFixture(t, PolicyAbort)
		id, data := f.register(t, []plan.Step{swapStep(1000, 0)}, intentOpts{})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))
		f.recorder.Reset()
		round := f.chain.Round()

		receipt, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrSlippageExceeded))
		assert.Nil(t, receipt)
		assert.Equal(t, registry.StatusActive, f.status(t, id))
		assert.Equal(t, round, f.chain.Round())
		assert.Empty(t, f.recorder.Events())
	})

	t.Run("venue output is checked against the balance delta", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		step := plan.Step{Opcode: plan.OpSwap, VenueID: liarID, AssetIn: usdc, AssetOut: weth, Amount: 1000, SlippageBps: 100, Extra: plan.AddressWord(liarAddr)}
		id, data := f.register(t, []plan.Step{step}, intentOpts{})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))

		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrSlippageExceeded))
	})

	t.Run("chaining from an empty balance", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		id, data := f.register(t, []plan.Step{swapStep(0, 100)}, intentOpts{})
		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))
		assert.Equal(t, registry.StatusFailed, f.status(t, id))
	})

	t.Run("unknown venue", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		step := swapStep(1000, 100)
		step.VenueID = 99
		id, data := f.register(t, []plan.Step{step}, intentOpts{})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))
		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrUnknownVenue))
	})
}

func TestExecuteRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unsupported opcode for the plan version", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		stake := plan.Step{Opcode: plan.OpStake, VenueID: stakingID, AssetIn: weth, AssetOut: stETH, Amount: 1, Extra: plan.AddressWord(stakingAddr)}
		id, data := f.register(t, []plan.Step{stake}, intentOpts{version: plan.VersionInitial})
		f.recorder.Reset()
		round := f.chain.Round()

		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrUnsupportedOpcode))
		assert.Equal(t, registry.StatusActive, f.status(t, id))
		assert.Equal(t, round, f.chain.Round())
		assert.Empty(t, f.recorder.Events())
	})

	t.Run("finalized intents", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		id, data := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))
		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		require.NoError(t, err)

		_, err = f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrAlreadyFinalized))

		_, err = f.registry.WithdrawIntent(ctx, owner, id, common.Address{})
		require.NoError(t, err)
		_, err = f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrAlreadyFinalized))
	})

	t.Run("unknown intent", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		_, err := f.dispatcher.ExecuteIntent(ctx, owner, 42, nil, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})

	t.Run("caller authorization", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		id, data := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{keeper: keeperAddr})
		_, err := f.dispatcher.ExecuteIntent(ctx, stranger, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrUnauthorized))

		open, openData := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, open, usdc, 1000))
		receipt, err := f.dispatcher.ExecuteIntent(ctx, stranger, open, openData, common.Address{})
		require.NoError(t, err, "a wildcard keeper lets anyone execute")
		assert.Equal(t, stranger, receipt.FeeRecipient)
	})

	t.Run("dispatcher not pointed at the registry", func(t *testing.T) {
		f := newFixture(t, PolicyRecord)
		id, data := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{})
		require.NoError(t, f.dispatcher.Configure(ctx, admin, Config{Owner: admin, StorageRef: stranger}))
		_, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
		assert.True(t, errors.Is(err, errs.ErrNotConfigured))
	})
}

func TestExecuteTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	cond, err := plan.EncodeTrigger(plan.Trigger{
		Type: plan.TriggerPriceThreshold, OracleRef: priceRef, OracleKey: priceKey,
		Comparator: plan.CompareGTE, Threshold: 1_500_000,
	})
	require.NoError(t, err)
	id, data := f.register(t, []plan.Step{swapStep(1000, 100)}, intentOpts{trigger: cond})
	require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))

	_, err = f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrOracleUnavailable))

	f.prices.Set(priceRef, priceKey, 1_000_000)
	_, err = f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrTriggerNotSatisfied))
	assert.True(t, errs.Retryable(err))
	assert.Equal(t, registry.StatusActive, f.status(t, id))

	f.prices.Set(priceRef, priceKey, 1_600_000)
	receipt, err := f.dispatcher.ExecuteIntent(ctx, owner, id, data, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuccess, receipt.Status)
}

func TestCollateralConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	var ids []uint64
	for _, slippage := range []uint64{100, 0, 100} {
		id, data := f.register(t, []plan.Step{swapStep(1000, slippage)}, intentOpts{collateral: 150_000})
		require.NoError(t, f.dispatcher.Deposit(ctx, owner, id, usdc, 1000))
		_, _ = f.dispatcher.ExecuteIntent(ctx, keeperAddr, id, data, keeperAddr)
		ids = append(ids, id)
	}

	var released uint64
	for _, id := range ids {
		amount, err := f.registry.WithdrawIntent(ctx, owner, id, common.Address{})
		require.NoError(t, err)
		released += amount
	}
	fees := f.balance(t, keeperAddr, ledger.NativeAsset)
	assert.Equal(t, uint64(3*150_000), released+fees)
	assert.Equal(t, uint64(2*1500), fees)
	assert.Zero(t, f.balance(t, registryAddr, ledger.NativeAsset))
}

func TestExecutionAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	first, firstData := f.register(t, []plan.Step{swapStep(0, 100)}, intentOpts{})
	second, secondData := f.register(t, []plan.Step{swapStep(0, 100)}, intentOpts{})
	assert.NotEqual(t, f.dispatcher.ExecutionAccount(first), f.dispatcher.ExecutionAccount(second))

	require.NoError(t, f.dispatcher.Deposit(ctx, owner, first, usdc, 5000))
	err := f.dispatcher.Deposit(ctx, stranger, first, usdc, 1)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))

	_, err = f.dispatcher.ExecuteIntent(ctx, owner, second, secondData, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds), "cannot spend another intent's deposit")

	balances, err := f.dispatcher.Balances(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{usdc: 5000}, balances)

	_, err = f.dispatcher.Sweep(ctx, owner, first, common.Address{})
	assert.True(t, errors.Is(err, errs.ErrNotWithdrawable))

	_, err = f.dispatcher.ExecuteIntent(ctx, owner, first, firstData, common.Address{})
	require.NoError(t, err)
	err = f.dispatcher.Deposit(ctx, owner, first, usdc, 1)
	assert.True(t, errors.Is(err, errs.ErrAlreadyFinalized))
}

func TestConfigure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PolicyRecord)

	err := f.dispatcher.Configure(ctx, stranger, Config{Owner: stranger, StorageRef: registryAddr})
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))

	err = f.dispatcher.Configure(ctx, admin, Config{Owner: admin, StorageRef: registryAddr, FeeSplitBps: 10_001})
	assert.True(t, errors.Is(err, errs.ErrInvalidConfig))

	err = f.dispatcher.Configure(ctx, admin, Config{Owner: admin, FailurePolicy: "retry"})
	assert.True(t, errors.Is(err, errs.ErrInvalidConfig))

	require.NoError(t, f.dispatcher.Configure(ctx, admin, Config{Owner: admin, StorageRef: registryAddr, DefaultKeeper: keeperAddr}))
	cfg, err := f.dispatcher.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, PolicyRecord, cfg.FailurePolicy)
	assert.Equal(t, keeperAddr, cfg.DefaultKeeper)

	policy, err := ParseFailurePolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, PolicyAbort, policy)
}
