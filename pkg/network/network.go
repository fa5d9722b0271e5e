// Package network loads the venues, balances and oracle feeds a node starts with.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/venue"
)

// Venue kinds
const (
	KindAMM     = "amm"
	KindStaking = "staking"
	KindLending = "lending"
)

// Oracle feed sources
const (
	SourceFeed       = "feed"
	SourceStatic     = "static"
	SourceAggregator = "aggregator"
)

var appliedKey = []byte("network:applied")

// Network models the structure of the network YAML file.
type Network struct {
	Assets      []Asset      `yaml:"assets"`
	Venues      []Venue      `yaml:"venues"`
	Allocations []Allocation `yaml:"allocations"`
	Oracle      Oracle       `yaml:"oracle"`
}

// Asset names an asset id for tooling.
type Asset struct {
	ID     uint64 `yaml:"id"`
	Symbol string `yaml:"symbol"`
}

// Venue describes one venue. Fields apply by kind.
type Venue struct {
	ID      uint64 `yaml:"id"`
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`

	// amm
	AssetA  uint64   `yaml:"asset_a"`
	AssetB  uint64   `yaml:"asset_b"`
	LPAsset uint64   `yaml:"lp_asset"`
	FeeBps  uint64   `yaml:"fee_bps"`
	Seed    *AMMSeed `yaml:"seed"`

	// staking and lending
	Asset   uint64 `yaml:"asset"`
	Receipt uint64 `yaml:"receipt"`
	Rate    uint64 `yaml:"rate"`
}

// AMMSeed is the initial liquidity of a pool, paid by Provider.
type AMMSeed struct {
	Provider string `yaml:"provider"`
	AmountA  uint64 `yaml:"amount_a"`
	AmountB  uint64 `yaml:"amount_b"`
}

// Allocation mints an initial balance.
type Allocation struct {
	Account string `yaml:"account"`
	Asset   uint64 `yaml:"asset"`
	Amount  uint64 `yaml:"amount"`
}

// Oracle lists the oracle feeds by reference.
type Oracle struct {
	MaxAge string `yaml:"max_age"`
	Feeds  []Feed `yaml:"feeds"`
}

// Feed routes one oracle reference to its source.
type Feed struct {
	Ref       uint64            `yaml:"ref"`
	Source    string            `yaml:"source"`
	Publisher string            `yaml:"publisher"`
	Address   string            `yaml:"address"`
	Values    map[string]uint64 `yaml:"values"`
}

// Load parses the network file at path. An empty path yields an empty network.
func Load(path string) (*Network, error) {
	if strings.TrimSpace(path) == "" {
		return &Network{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network file: %w", err)
	}
	return Parse(content)
}

// Parse decodes and validates a network document.
func Parse(content []byte) (*Network, error) {
	var n Network
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse network file: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, value)
	}
	return common.HexToAddress(value), nil
}

// Validate checks ids, kinds and addresses.
func (n *Network) Validate() error {
	seen := make(map[uint64]bool)
	for i, v := range n.Venues {
		field := fmt.Sprintf("venues[%d]", i)
		if v.ID == 0 {
			return fmt.Errorf("%s: id must be positive", field)
		}
		if seen[v.ID] {
			return fmt.Errorf("%s: duplicate venue id %d", field, v.ID)
		}
		seen[v.ID] = true
		if _, err := parseAddress(field+".address", v.Address); err != nil {
			return err
		}
		switch v.Kind {
		case KindAMM:
			if v.Seed != nil {
				if _, err := parseAddress(field+".seed.provider", v.Seed.Provider); err != nil {
					return err
				}
			}
		case KindStaking, KindLending:
			if v.Seed != nil {
				return fmt.Errorf("%s: only amm venues take a seed", field)
			}
		default:
			return fmt.Errorf("%s: unknown kind %q", field, v.Kind)
		}
	}

	for i, a := range n.Allocations {
		if _, err := parseAddress(fmt.Sprintf("allocations[%d].account", i), a.Account); err != nil {
			return err
		}
	}

	if n.Oracle.MaxAge != "" {
		if _, err := time.ParseDuration(n.Oracle.MaxAge); err != nil {
			return fmt.Errorf("oracle.max_age: %w", err)
		}
	}
	refs := make(map[uint64]bool)
	for i, f := range n.Oracle.Feeds {
		field := fmt.Sprintf("oracle.feeds[%d]", i)
		if refs[f.Ref] {
			return fmt.Errorf("%s: duplicate ref %d", field, f.Ref)
		}
		refs[f.Ref] = true
		switch f.Source {
		case SourceFeed:
			if _, err := parseAddress(field+".publisher", f.Publisher); err != nil {
				return err
			}
		case SourceAggregator:
			if _, err := parseAddress(field+".address", f.Address); err != nil {
				return err
			}
		case SourceStatic:
		default:
			return fmt.Errorf("%s: unknown source %q", field, f.Source)
		}
	}
	return nil
}

// MaxAge returns the staleness bound of aggregator answers, or def when unset.
func (n *Network) MaxAge(def time.Duration) time.Duration {
	if d, err := time.ParseDuration(n.Oracle.MaxAge); err == nil && d > 0 {
		return d
	}
	return def
}

// NeedsAggregator reports whether any feed reads from an on-chain aggregator.
func (n *Network) NeedsAggregator() bool {
	for _, f := range n.Oracle.Feeds {
		if f.Source == SourceAggregator {
			return true
		}
	}
	return false
}

// BuildVenues instantiates every venue into a registry.
func (n *Network) BuildVenues() (*venue.Registry, error) {
	reg := venue.NewRegistry()
	for _, v := range n.Venues {
		addr := common.HexToAddress(v.Address)
		var (
			built venue.Venue
			err   error
		)
		switch v.Kind {
		case KindAMM:
			built, err = venue.NewAMM(venue.AMMConfig{
				ID: v.ID, Address: addr, AssetA: v.AssetA, AssetB: v.AssetB, LPAsset: v.LPAsset, FeeBps: v.FeeBps,
			})
		case KindStaking:
			built, err = venue.NewStaking(v.ID, addr, v.Asset, v.Receipt)
		case KindLending:
			built, err = venue.NewLending(v.ID, addr, v.Asset, v.Receipt, v.Rate)
		}
		if err != nil {
			return nil, fmt.Errorf("venue %d: %w", v.ID, err)
		}
		if err := reg.Register(built); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Route attaches every configured feed to router. agg may be nil when no feed
// needs it. Only aggregator reads go through a cache of cacheTTL; ledger feeds
// and static values are always read directly.
func (n *Network) Route(router *oracle.Router, feed *oracle.Feed, static *oracle.Static, agg *oracle.Aggregator, cacheTTL time.Duration) error {
	var remote oracle.Reader
	if agg != nil {
		remote = agg
		if cacheTTL > 0 {
			remote = oracle.NewCache(agg, cacheTTL)
		}
	}
	for _, f := range n.Oracle.Feeds {
		switch f.Source {
		case SourceFeed:
			router.Route(f.Ref, SourceFeed, feed)
		case SourceStatic:
			for key, value := range f.Values {
				static.Set(f.Ref, []byte(key), value)
			}
			router.Route(f.Ref, SourceStatic, static)
		case SourceAggregator:
			if agg == nil {
				return fmt.Errorf("oracle ref %d reads an aggregator but ORACLE_RPC_URL is not set", f.Ref)
			}
			if err := agg.AddFeed(f.Ref, common.HexToAddress(f.Address)); err != nil {
				return fmt.Errorf("oracle ref %d: %w", f.Ref, err)
			}
			router.Route(f.Ref, SourceAggregator, remote)
		}
	}
	return nil
}

// Apply mints allocations, seeds pools and appoints feed publishers once per
// ledger. It reports whether anything was applied.
func (n *Network) Apply(ctx context.Context, chain *ledger.Chain, venues *venue.Registry, feed *oracle.Feed, admin common.Address) (bool, error) {
	applied := false
	err := chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		_, done, err := tx.Get(ctx, appliedKey)
		if err != nil || done {
			return err
		}

		for _, a := range n.Allocations {
			if err := tx.Mint(ctx, common.HexToAddress(a.Account), a.Asset, a.Amount); err != nil {
				return fmt.Errorf("allocation to %s: %w", a.Account, err)
			}
		}
		for _, v := range n.Venues {
			if v.Kind != KindAMM || v.Seed == nil {
				continue
			}
			built, err := venues.Get(v.ID)
			if err != nil {
				return err
			}
			amm, ok := built.(*venue.AMM)
			if !ok {
				return fmt.Errorf("venue %d is not an amm", v.ID)
			}
			if _, err := amm.Seed(ctx, tx, common.HexToAddress(v.Seed.Provider), v.Seed.AmountA, v.Seed.AmountB); err != nil {
				return fmt.Errorf("seed venue %d: %w", v.ID, err)
			}
		}
		for _, f := range n.Oracle.Feeds {
			if f.Source != SourceFeed {
				continue
			}
			if err := feed.Authorize(ctx, admin, f.Ref, common.HexToAddress(f.Publisher)); err != nil {
				return fmt.Errorf("authorize publisher of ref %d: %w", f.Ref, err)
			}
		}

		tx.Put(appliedKey, []byte{1})
		applied = true
		return nil
	})
	return applied, err
}
