package network

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/store"
)

const sample = `
assets:
  - {id: 0, symbol: ALGO}
  - {id: 1, symbol: USDC}
  - {id: 2, symbol: WETH}
venues:
  - id: 1
    kind: amm
    address: "0x00000000000000000000000000000000000a0001"
    asset_a: 1
    asset_b: 2
    lp_asset: 3
    fee_bps: 30
    seed:
      provider: "0x0400000000000000000000000000000000000001"
      amount_a: 1000000
      amount_b: 1000000
  - id: 2
    kind: staking
    address: "0x00000000000000000000000000000000000a0002"
    asset: 2
    receipt: 4
  - id: 3
    kind: lending
    address: "0x00000000000000000000000000000000000a0003"
    asset: 1
    receipt: 5
allocations:
  - account: "0x0400000000000000000000000000000000000001"
    asset: 1
    amount: 1000000
  - account: "0x0400000000000000000000000000000000000001"
    asset: 2
    amount: 1000000
  - account: "0x0100000000000000000000000000000000000001"
    asset: 0
    amount: 5000000
oracle:
  max_age: 30m
  feeds:
    - ref: 7
      source: feed
      publisher: "0xfeed000000000000000000000000000000000001"
    - ref: 8
      source: static
      values:
        ETH/USD: 2000000000
`

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	provider = common.HexToAddress("0x0400000000000000000000000000000000000001")
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	n, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, n.Assets, 3)
	assert.Len(t, n.Venues, 3)
	assert.Len(t, n.Allocations, 3)
	assert.Equal(t, 30*time.Minute, n.MaxAge(time.Hour))
	assert.False(t, n.NeedsAggregator())

	empty, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, empty.Venues)
	assert.Equal(t, time.Hour, empty.MaxAge(time.Hour))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown field", doc: "venues: [{id: 1, kind: amm, address: '0x00000000000000000000000000000000000a0001', colour: red}]", want: "colour"},
		{name: "zero id", doc: "venues: [{id: 0, kind: amm, address: '0x00000000000000000000000000000000000a0001'}]", want: "positive"},
		{name: "duplicate id", doc: "venues: [{id: 1, kind: staking, address: '0x00000000000000000000000000000000000a0001'}, {id: 1, kind: staking, address: '0x00000000000000000000000000000000000a0002'}]", want: "duplicate venue"},
		{name: "unknown kind", doc: "venues: [{id: 1, kind: perp, address: '0x00000000000000000000000000000000000a0001'}]", want: "unknown kind"},
		{name: "bad address", doc: "venues: [{id: 1, kind: amm, address: 'pool'}]", want: "invalid address"},
		{name: "seed on staking", doc: "venues: [{id: 1, kind: staking, address: '0x00000000000000000000000000000000000a0001', seed: {provider: '0x0400000000000000000000000000000000000001'}}]", want: "only amm"},
		{name: "bad allocation", doc: "allocations: [{account: nobody, asset: 1, amount: 1}]", want: "allocations[0]"},
		{name: "bad max age", doc: "oracle: {max_age: soon}", want: "max_age"},
		{name: "unknown source", doc: "oracle: {feeds: [{ref: 1, source: api}]}", want: "unknown source"},
		{name: "duplicate ref", doc: "oracle: {feeds: [{ref: 1, source: static}, {ref: 1, source: static}]}", want: "duplicate ref"},
		{name: "aggregator needs address", doc: "oracle: {feeds: [{ref: 1, source: aggregator}]}", want: "address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	n, err := Parse([]byte(sample))
	require.NoError(t, err)

	venues, err := n.BuildVenues()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, venues.IDs())

	chain := ledger.New(store.NewMemoryStore(), events.NewRecorder(), nil)
	feed := oracle.NewFeed(chain, admin)

	applied, err := n.Apply(ctx, chain, venues, feed, admin)
	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		usdc, err := tx.Balance(ctx, provider, 1)
		require.NoError(t, err)
		assert.Zero(t, usdc, "the seed spends the whole allocation")
		lp, err := tx.Balance(ctx, provider, 3)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), lp)
		return nil
	}))

	publisher, err := feed.Publisher(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xfeed000000000000000000000000000000000001"), publisher)

	t.Run("applies once per ledger", func(t *testing.T) {
		applied, err := n.Apply(ctx, chain, venues, feed, admin)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("routes feeds", func(t *testing.T) {
		static := oracle.NewStatic()
		router := oracle.NewRouter("", nil)
		require.NoError(t, n.Route(router, feed, static, nil, time.Minute))

		value, err := router.Read(ctx, 8, []byte("ETH/USD"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2_000_000_000), value)

		_, err = router.Read(ctx, 7, []byte("ETH/USD"))
		assert.ErrorIs(t, err, oracle.ErrNoValue, "routed to the feed, nothing published yet")
	})

	t.Run("aggregator feeds need an rpc", func(t *testing.T) {
		agg, err := Parse([]byte("oracle: {feeds: [{ref: 1, source: aggregator, address: '0x5f4ec3df9cbd43714fe2740f5e3616155c5b8419'}]}"))
		require.NoError(t, err)
		assert.True(t, agg.NeedsAggregator())
		assert.ErrorContains(t, agg.Route(oracle.NewRouter("", nil), feed, oracle.NewStatic(), nil, time.Minute), "ORACLE_RPC_URL")
	})
}
