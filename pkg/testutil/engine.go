package testutil

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentflow/pkg/dispatcher"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/plan"
	"github.com/speedrun-hq/intentflow/pkg/registry"
	"github.com/speedrun-hq/intentflow/pkg/store"
	"github.com/speedrun-hq/intentflow/pkg/trigger"
	"github.com/speedrun-hq/intentflow/pkg/venue"
)

// Constants for testing
const (
	DefaultTestTimeout = 5 * time.Second

	USDC uint64 = 1
	WETH uint64 = 2
	LP   uint64 = 3

	AMMID uint64 = 1

	// FeedRef is served by the on-ledger feed, StaticRef by the static table.
	FeedRef   uint64 = 7
	StaticRef uint64 = 99

	MinCollateral uint64 = 100_000
	FeeSplitBps   uint64 = 100
)

var (
	RegistryAddr   = common.HexToAddress("0x5000000000000000000000000000000000000001")
	DispatcherAddr = common.HexToAddress("0x5000000000000000000000000000000000000002")
	AMMAddr        = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	Provider       = common.HexToAddress("0x0400000000000000000000000000000000000001")
)

// Engine is a fully wired in-memory engine with one seeded AMM pool
type Engine struct {
	Chain      *ledger.Chain
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Feed       *oracle.Feed
	Static     *oracle.Static
	Venues     *venue.Registry
	AMM        *venue.AMM
	Recorder   *events.Recorder
	Admin      common.Address
	AdminKey   *ecdsa.PrivateKey
}

// NewEngine builds an engine administered by a freshly generated key
func NewEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()

	adminKey, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate admin key")
	admin := crypto.PubkeyToAddress(adminKey.PublicKey)

	rec := events.NewRecorder()
	chain := ledger.New(store.NewMemoryStore(), rec, nil)
	reg := registry.New(chain, registry.Options{Address: RegistryAddr})
	require.NoError(t, reg.Init(ctx, registry.Config{
		Owner:         admin,
		MinCollateral: MinCollateral,
		FeeCapBps:     500,
		Executor:      DispatcherAddr,
	}))

	feed := oracle.NewFeed(chain, admin)
	require.NoError(t, feed.Authorize(ctx, admin, FeedRef, admin))
	static := oracle.NewStatic()
	router := oracle.NewRouter("feed", feed)
	router.Route(StaticRef, "static", static)

	venues := venue.NewRegistry()
	amm, err := venue.NewAMM(venue.AMMConfig{ID: AMMID, Address: AMMAddr, AssetA: USDC, AssetB: WETH, LPAsset: LP, FeeBps: 30})
	require.NoError(t, err)
	require.NoError(t, venues.Register(amm))

	d := dispatcher.New(chain, reg, trigger.NewGuard(router, nil), venues, dispatcher.Options{Address: DispatcherAddr})
	require.NoError(t, d.Init(ctx, dispatcher.Config{
		Owner:       admin,
		StorageRef:  RegistryAddr,
		FeeSplitBps: FeeSplitBps,
	}))

	require.NoError(t, chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		require.NoError(t, tx.Mint(ctx, Provider, USDC, 1_000_000_000_000))
		require.NoError(t, tx.Mint(ctx, Provider, WETH, 1_000_000_000_000))
		_, err := amm.Seed(ctx, tx, Provider, 1_000_000_000_000, 1_000_000_000_000)
		return err
	}))
	rec.Reset()

	return &Engine{
		Chain:      chain,
		Registry:   reg,
		Dispatcher: d,
		Feed:       feed,
		Static:     static,
		Venues:     venues,
		AMM:        amm,
		Recorder:   rec,
		Admin:      admin,
		AdminKey:   adminKey,
	}
}

// Fund mints amount of asset to acct
func (e *Engine) Fund(t *testing.T, acct common.Address, asset, amount uint64) {
	t.Helper()
	require.NoError(t, e.Chain.Atomic(context.Background(), func(ctx context.Context, tx *ledger.Txn) error {
		return tx.Mint(ctx, acct, asset, amount)
	}))
}

// Balance reads the ledger balance of acct
func (e *Engine) Balance(t *testing.T, acct common.Address, asset uint64) uint64 {
	t.Helper()
	var balance uint64
	require.NoError(t, e.Chain.View(context.Background(), func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		balance, err = tx.Balance(ctx, acct, asset)
		return err
	}))
	return balance
}

// SwapPlan is a single USDC to WETH swap of amount out of the execution account
func SwapPlan(t *testing.T, amount, slippageBps uint64) []byte {
	t.Helper()
	data, err := plan.Encode([]plan.Step{{
		Opcode:      plan.OpSwap,
		VenueID:     AMMID,
		AssetIn:     USDC,
		AssetOut:    WETH,
		Amount:      amount,
		SlippageBps: slippageBps,
		Extra:       plan.AddressWord(AMMAddr),
	}})
	require.NoError(t, err)
	return data
}

// GenerateKey creates a signing key and its address
func GenerateKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SetupTestWithTimeout returns a context bounded by DefaultTestTimeout
func SetupTestWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), DefaultTestTimeout)
}
