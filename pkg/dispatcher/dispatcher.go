package dispatcher

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/plan"
	"github.com/speedrun-hq/intentflow/pkg/registry"
	"github.com/speedrun-hq/intentflow/pkg/trigger"
	"github.com/speedrun-hq/intentflow/pkg/venue"
)

var configKey = []byte("dispatcher:config")

// FailurePolicy decides what a failed step does to the enclosing call.
type FailurePolicy string

const (
	// PolicyRecord rolls back the steps, commits the intent as Failed and returns the step error.
	PolicyRecord FailurePolicy = "record"
	// PolicyAbort rolls back the whole call and leaves the intent Active.
	PolicyAbort FailurePolicy = "abort"
)

// ParseFailurePolicy accepts "record" or "abort"; empty means record.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyRecord:
		return PolicyRecord, nil
	case PolicyAbort:
		return PolicyAbort, nil
	}
	return "", errs.New(errs.KindInvalidConfig, "unknown failure policy %q", s)
}

// Config is the owner-controlled configuration of the dispatcher.
type Config struct {
	Owner common.Address `json:"owner"`
	// StorageRef is the registry the dispatcher reads intents from.
	StorageRef    common.Address `json:"storage_ref"`
	DefaultKeeper common.Address `json:"default_keeper"`
	FeeSplitBps   uint64         `json:"fee_split_bps"`
	FailurePolicy FailurePolicy  `json:"failure_policy"`
}

func (c Config) validate() error {
	if c.Owner == (common.Address{}) {
		return errs.New(errs.KindInvalidConfig, "owner must be set")
	}
	if c.FeeSplitBps > plan.SlippageScale {
		return errs.New(errs.KindInvalidConfig, "fee split %d bps exceeds %d", c.FeeSplitBps, plan.SlippageScale)
	}
	if _, err := ParseFailurePolicy(string(c.FailurePolicy)); err != nil {
		return err
	}
	return nil
}

// Options configures a Dispatcher.
type Options struct {
	// Address identifies the dispatcher to the registry; it must be the registry's executor.
	Address common.Address
	Logger  logger.Logger
}

// Dispatcher executes the workflow plans of registered intents.
type Dispatcher struct {
	chain    *ledger.Chain
	registry *registry.Registry
	guard    *trigger.Guard
	venues   *venue.Registry
	address  common.Address
	logger   logger.Logger
}

// New creates a dispatcher over the given registry, trigger guard and venues.
func New(chain *ledger.Chain, reg *registry.Registry, guard *trigger.Guard, venues *venue.Registry, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = &logger.EmptyLogger{}
	}
	return &Dispatcher{
		chain:    chain,
		registry: reg,
		guard:    guard,
		venues:   venues,
		address:  opts.Address,
		logger:   opts.Logger,
	}
}

func (d *Dispatcher) Address() common.Address {
	return d.address
}

// Init writes the genesis configuration unless one exists.
func (d *Dispatcher) Init(ctx context.Context, cfg Config) error {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyRecord
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	return d.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		_, exists, err := tx.Get(ctx, configKey)
		if err != nil || exists {
			return err
		}
		d.logger.Notice("Dispatcher initialized with owner %s and storage %s", cfg.Owner.Hex(), cfg.StorageRef.Hex())
		return putConfig(tx, cfg)
	})
}

// Config returns the current configuration.
func (d *Dispatcher) Config(ctx context.Context) (Config, error) {
	var cfg Config
	err := d.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		cfg, err = loadConfig(ctx, tx)
		return err
	})
	return cfg, err
}

// Configure replaces the configuration. Only the owner may call it.
func (d *Dispatcher) Configure(ctx context.Context, sender common.Address, cfg Config) error {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyRecord
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	return d.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		current, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if sender != current.Owner {
			return errs.New(errs.KindUnauthorized, "only the dispatcher owner may configure")
		}
		return putConfig(tx, cfg)
	})
}

// ExecutionAccount returns the sub-account holding the working balances of
// intent id. Accounts of different intents never coincide.
func (d *Dispatcher) ExecutionAccount(id uint64) common.Address {
	seed := binary.BigEndian.AppendUint64(d.address.Bytes(), id)
	return common.BytesToAddress(crypto.Keccak256(seed)[12:])
}

// Deposit moves funds of the intent owner into the execution account.
func (d *Dispatcher) Deposit(ctx context.Context, sender common.Address, id, asset, amount uint64) error {
	return d.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		record, err := d.registry.ExportIntent(ctx, id)
		if err != nil {
			return err
		}
		if sender != record.Owner {
			return errs.New(errs.KindUnauthorized, "only the owner may fund intent %d", id)
		}
		if record.Status.Terminal() || record.Status == registry.StatusWithdrawn {
			return errs.New(errs.KindAlreadyFinalized, "intent %d is %s", id, record.Status)
		}
		if err := tx.Transfer(ctx, sender, d.ExecutionAccount(id), asset, amount); err != nil {
			return err
		}
		tx.Emit(events.New(events.TopicIntentDeposit, id, sender, map[string]string{
			"asset":  strconv.FormatUint(asset, 10),
			"amount": strconv.FormatUint(amount, 10),
		}))
		return nil
	})
}

// Sweep returns every balance left in the execution account of a finished intent.
func (d *Dispatcher) Sweep(ctx context.Context, sender common.Address, id uint64, recipient common.Address) (map[uint64]uint64, error) {
	var swept map[uint64]uint64
	err := d.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		record, err := d.registry.ExportIntent(ctx, id)
		if err != nil {
			return err
		}
		if sender != record.Owner {
			return errs.New(errs.KindUnauthorized, "only the owner may sweep intent %d", id)
		}
		if !record.Status.Terminal() && record.Status != registry.StatusWithdrawn {
			return errs.New(errs.KindNotWithdrawable, "intent %d is %s", id, record.Status)
		}
		if recipient == (common.Address{}) {
			recipient = record.Owner
		}

		account := d.ExecutionAccount(id)
		swept, err = tx.Balances(ctx, account)
		if err != nil {
			return err
		}
		for asset, amount := range swept {
			if err := tx.Transfer(ctx, account, recipient, asset, amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// Balances returns the current execution account balances of intent id.
func (d *Dispatcher) Balances(ctx context.Context, id uint64) (map[uint64]uint64, error) {
	var balances map[uint64]uint64
	err := d.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		balances, err = tx.Balances(ctx, d.ExecutionAccount(id))
		return err
	})
	return balances, err
}

func loadConfig(ctx context.Context, tx *ledger.Txn) (Config, error) {
	raw, ok, err := tx.Get(ctx, configKey)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, errs.New(errs.KindNotConfigured, "dispatcher is not initialized")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindStorage, err, "decode dispatcher config")
	}
	return cfg, nil
}

func putConfig(tx *ledger.Txn, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "encode dispatcher config")
	}
	tx.Put(configKey, raw)
	return nil
}
