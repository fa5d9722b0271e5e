package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/plan"
)

const (
	// MaxFeeCapBps bounds the share of collateral that may ever be paid as a keeper fee.
	MaxFeeCapBps uint64 = 1000

	DefaultMaxWorkflowBytes = 4096
	DefaultMaxTriggerBytes  = 1024
)

var (
	configKey  = []byte("registry:config")
	counterKey = []byte("registry:next")
)

// Config is the owner-controlled configuration of the registry.
type Config struct {
	Owner            common.Address `json:"owner"`
	DefaultKeeper    common.Address `json:"default_keeper"`
	MinCollateral    uint64         `json:"min_collateral"`
	FeeCapBps        uint64         `json:"fee_cap_bps"`
	Executor         common.Address `json:"executor"`
	AllowOwnerCancel bool           `json:"allow_owner_cancel"`
	Authority        Authority      `json:"authority"`
}

func (c Config) validate() error {
	if c.Owner == (common.Address{}) {
		return errs.New(errs.KindInvalidConfig, "owner must be set")
	}
	if c.FeeCapBps > MaxFeeCapBps {
		return errs.New(errs.KindInvalidConfig, "fee cap %d bps exceeds maximum %d", c.FeeCapBps, MaxFeeCapBps)
	}
	for t := range c.Authority {
		if !updatable(t) {
			return errs.New(errs.KindInvalidConfig, "transition %s cannot be granted", t)
		}
	}
	return nil
}

// Options configures a Registry.
type Options struct {
	// Address is the custody account collateral is paid into.
	Address          common.Address
	MaxWorkflowBytes int
	MaxTriggerBytes  int
	Logger           logger.Logger
}

// Registry owns intent records, collateral custody and the lifecycle state machine.
type Registry struct {
	chain            *ledger.Chain
	address          common.Address
	maxWorkflowBytes int
	maxTriggerBytes  int
	logger           logger.Logger
}

// New creates a registry on chain.
func New(chain *ledger.Chain, opts Options) *Registry {
	if opts.MaxWorkflowBytes <= 0 {
		opts.MaxWorkflowBytes = DefaultMaxWorkflowBytes
	}
	if opts.MaxTriggerBytes <= 0 {
		opts.MaxTriggerBytes = DefaultMaxTriggerBytes
	}
	if opts.Logger == nil {
		opts.Logger = &logger.EmptyLogger{}
	}
	return &Registry{
		chain:            chain,
		address:          opts.Address,
		maxWorkflowBytes: opts.MaxWorkflowBytes,
		maxTriggerBytes:  opts.MaxTriggerBytes,
		logger:           opts.Logger,
	}
}

// Address returns the custody account of the registry.
func (r *Registry) Address() common.Address {
	return r.address
}

// Init writes the genesis configuration unless the registry was already initialized.
func (r *Registry) Init(ctx context.Context, cfg Config) error {
	if cfg.Authority == nil {
		cfg.Authority = DefaultAuthority()
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	return r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		_, exists, err := tx.Get(ctx, configKey)
		if err != nil || exists {
			return err
		}
		if err := putConfig(tx, cfg); err != nil {
			return err
		}
		tx.PutUint64(counterKey, 1)
		r.logger.Notice("Registry initialized with owner %s", cfg.Owner.Hex())
		return nil
	})
}

// Config returns the current configuration.
func (r *Registry) Config(ctx context.Context) (Config, error) {
	var cfg Config
	err := r.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		cfg, err = loadConfig(ctx, tx)
		return err
	})
	return cfg, err
}

// Configure replaces the configuration. Only the current owner may call it.
func (r *Registry) Configure(ctx context.Context, sender common.Address, cfg Config) error {
	if cfg.Authority == nil {
		cfg.Authority = DefaultAuthority()
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	return r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		current, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if sender != current.Owner {
			return errs.New(errs.KindUnauthorized, "only the registry owner may configure")
		}
		return putConfig(tx, cfg)
	})
}

// RegisterRequest carries the arguments of a registration.
type RegisterRequest struct {
	WorkflowHash     common.Hash
	WorkflowBlob     []byte
	TriggerCondition []byte
	Collateral       uint64
	Keeper           common.Address
	Version          uint64
	EscrowAppID      uint64
	EscrowAssetID    uint64
}

// Payment is the collateral transfer grouped with a registration.
type Payment struct {
	From   common.Address
	To     common.Address
	Asset  uint64
	Amount uint64
}

// RegisterIntent validates the request, takes the collateral into custody and stores a new Active record.
func (r *Registry) RegisterIntent(ctx context.Context, sender common.Address, req RegisterRequest, payment *Payment) (uint64, error) {
	if len(req.WorkflowBlob) > r.maxWorkflowBytes {
		return 0, errs.New(errs.KindPayloadTooLarge, "workflow blob is %d bytes, limit %d", len(req.WorkflowBlob), r.maxWorkflowBytes)
	}
	if len(req.TriggerCondition) > r.maxTriggerBytes {
		return 0, errs.New(errs.KindPayloadTooLarge, "trigger condition is %d bytes, limit %d", len(req.TriggerCondition), r.maxTriggerBytes)
	}
	trigger, err := plan.DecodeTrigger(req.TriggerCondition)
	if err != nil {
		return 0, err
	}
	if err := trigger.Validate(); err != nil {
		return 0, err
	}
	if len(req.WorkflowBlob) > 0 && plan.Hash(req.WorkflowBlob) != req.WorkflowHash {
		return 0, errs.New(errs.KindPlanIntegrity, "inline workflow blob does not match workflow hash")
	}
	version := req.Version
	if version == 0 {
		version = plan.CurrentVersion
	}
	if version > plan.CurrentVersion {
		return 0, errs.New(errs.KindUnsupportedVersion, "plan version %d is newer than %d", version, plan.CurrentVersion)
	}

	var id uint64
	err = r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		cfg, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if req.Collateral < cfg.MinCollateral {
			return errs.New(errs.KindInsufficientCollateral, "collateral %d below minimum %d", req.Collateral, cfg.MinCollateral)
		}
		if req.Collateral > 0 {
			if err := r.takeCollateral(ctx, tx, sender, req, payment); err != nil {
				return err
			}
		}

		keeper := req.Keeper
		if keeper == (common.Address{}) {
			keeper = cfg.DefaultKeeper
		}

		id, err = tx.GetUint64(ctx, counterKey)
		if err != nil {
			return err
		}
		if id == 0 {
			return errs.New(errs.KindNotConfigured, "registry is not initialized")
		}
		tx.PutUint64(counterKey, id+1)

		record := IntentRecord{
			Owner:            sender,
			Collateral:       req.Collateral,
			WorkflowHash:     req.WorkflowHash,
			Status:           StatusActive,
			WorkflowBlob:     req.WorkflowBlob,
			Keeper:           keeper,
			Version:          version,
			TriggerCondition: req.TriggerCondition,
			EscrowAppID:      req.EscrowAppID,
			EscrowAssetID:    req.EscrowAssetID,
		}
		if err := saveRecord(tx, id, record); err != nil {
			return err
		}

		tx.Emit(events.New(events.TopicIntentRegistered, id, sender, map[string]string{
			"owner":         sender.Hex(),
			"keeper":        keeper.Hex(),
			"collateral":    strconv.FormatUint(req.Collateral, 10),
			"workflow_hash": req.WorkflowHash.Hex(),
			"version":       strconv.FormatUint(version, 10),
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.InfoWithIntent(id, "Registered by %s with collateral %d", sender.Hex(), req.Collateral)
	return id, nil
}

func (r *Registry) takeCollateral(ctx context.Context, tx *ledger.Txn, sender common.Address, req RegisterRequest, payment *Payment) error {
	switch {
	case payment == nil:
		return errs.New(errs.KindInsufficientCollateral, "collateral payment missing")
	case payment.From != sender:
		return errs.New(errs.KindInsufficientCollateral, "collateral payment not sent by the registrant")
	case payment.To != r.address:
		return errs.New(errs.KindInsufficientCollateral, "collateral payment not addressed to the registry")
	case payment.Asset != req.EscrowAssetID:
		return errs.New(errs.KindInsufficientCollateral, "collateral paid in asset %d, expected %d", payment.Asset, req.EscrowAssetID)
	case payment.Amount != req.Collateral:
		return errs.New(errs.KindInsufficientCollateral, "collateral payment of %d does not equal %d", payment.Amount, req.Collateral)
	}

	err := tx.Transfer(ctx, payment.From, payment.To, payment.Asset, payment.Amount)
	if errors.Is(err, errs.ErrInsufficientFunds) {
		return errs.Wrap(errs.KindInsufficientCollateral, err, "collateral payment not funded")
	}
	return err
}

// UpdateIntentStatus moves an intent along a granted lifecycle edge.
func (r *Registry) UpdateIntentStatus(ctx context.Context, sender common.Address, id uint64, status Status, proof []byte) error {
	return r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		cfg, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		record, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}

		t := Transition{From: record.Status, To: status}
		// an edge nobody is granted is not a transition this registry performs
		if !updatable(t) || len(cfg.Authority[t]) == 0 {
			return errs.New(errs.KindInvalidTransition, "intent %d cannot move %s", id, t)
		}
		if !cfg.Authority.Allows(t, rolesOf(sender, record, cfg)) {
			return errs.New(errs.KindUnauthorized, "%s may not move intent %d %s", sender.Hex(), id, t)
		}
		return r.setStatus(tx, id, record, status, sender, proof)
	})
}

// CancelIntent lets the owner fail an intent that was never executed, when the policy allows it.
func (r *Registry) CancelIntent(ctx context.Context, sender common.Address, id uint64) error {
	return r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		cfg, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		record, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cfg.AllowOwnerCancel {
			return errs.New(errs.KindUnauthorized, "owner cancellation is disabled")
		}
		if sender != record.Owner {
			return errs.New(errs.KindUnauthorized, "only the owner may cancel intent %d", id)
		}
		if record.Status != StatusActive {
			return errs.New(errs.KindInvalidTransition, "intent %d cannot be cancelled from %s", id, record.Status)
		}
		return r.setStatus(tx, id, record, StatusFailed, sender, []byte("cancelled"))
	})
}

// ExportIntent returns the decoded record.
func (r *Registry) ExportIntent(ctx context.Context, id uint64) (IntentRecord, error) {
	var record IntentRecord
	err := r.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		record, err = loadRecord(ctx, tx, id)
		return err
	})
	return record, err
}

// ReadIntentRaw returns the record in its stored encoding.
func (r *Registry) ReadIntentRaw(ctx context.Context, id uint64) ([]byte, error) {
	var raw []byte
	err := r.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		value, ok, err := tx.Get(ctx, IntentKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.KindNotFound, "intent %d not registered", id)
		}
		raw = append([]byte(nil), value...)
		return nil
	})
	return raw, err
}

// NextIntentID returns the id the next registration will receive.
func (r *Registry) NextIntentID(ctx context.Context) (uint64, error) {
	var next uint64
	err := r.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		var err error
		next, err = tx.GetUint64(ctx, counterKey)
		return err
	})
	return next, err
}

// WithdrawIntent releases the remaining collateral of a finished intent.
func (r *Registry) WithdrawIntent(ctx context.Context, sender common.Address, id uint64, recipient common.Address) (uint64, error) {
	var amount uint64
	err := r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		record, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if sender != record.Owner {
			return errs.New(errs.KindUnauthorized, "only the owner may withdraw intent %d", id)
		}
		if !record.Status.Terminal() {
			return errs.New(errs.KindNotWithdrawable, "intent %d is %s", id, record.Status)
		}

		if recipient == (common.Address{}) {
			recipient = record.Owner
		}
		amount = record.Collateral
		if err := tx.Transfer(ctx, r.address, recipient, record.EscrowAssetID, amount); err != nil {
			return err
		}

		prev := record.Status
		record.Collateral = 0
		record.Status = StatusWithdrawn
		if err := saveRecord(tx, id, record); err != nil {
			return err
		}
		tx.Emit(statusEvent(id, sender, prev, StatusWithdrawn, nil))
		tx.Emit(events.New(events.TopicIntentWithdrawn, id, sender, map[string]string{
			"recipient": recipient.Hex(),
			"amount":    strconv.FormatUint(amount, 10),
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.InfoWithIntent(id, "Withdrawn %d to %s", amount, recipient.Hex())
	return amount, nil
}

// SettleFee pays part of a successful intent's collateral to recipient. Only the executor may call it.
func (r *Registry) SettleFee(ctx context.Context, sender common.Address, id uint64, recipient common.Address, bps uint64) (uint64, error) {
	var fee uint64
	err := r.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		cfg, err := loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if cfg.Executor == (common.Address{}) || sender != cfg.Executor {
			return errs.New(errs.KindUnauthorized, "only the executor may settle fees")
		}
		record, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusSuccess {
			return errs.New(errs.KindInvalidTransition, "fees are only settled for successful intents, intent %d is %s", id, record.Status)
		}

		if bps > cfg.FeeCapBps {
			bps = cfg.FeeCapBps
		}
		fee = plan.PortionBps(record.Collateral, bps)
		if fee == 0 {
			return nil
		}
		if recipient == (common.Address{}) {
			recipient = sender
		}
		if err := tx.Transfer(ctx, r.address, recipient, record.EscrowAssetID, fee); err != nil {
			return err
		}
		record.Collateral -= fee
		if err := saveRecord(tx, id, record); err != nil {
			return err
		}
		tx.Emit(events.New(events.TopicIntentFeeSettled, id, sender, map[string]string{
			"recipient": recipient.Hex(),
			"fee":       strconv.FormatUint(fee, 10),
			"bps":       strconv.FormatUint(bps, 10),
		}))
		return nil
	})
	return fee, err
}

func (r *Registry) setStatus(tx *ledger.Txn, id uint64, record IntentRecord, status Status, actor common.Address, proof []byte) error {
	prev := record.Status
	record.Status = status
	if err := saveRecord(tx, id, record); err != nil {
		return err
	}
	tx.Emit(statusEvent(id, actor, prev, status, proof))
	r.logger.DebugWithIntent(id, "Status %s -> %s by %s", prev, status, actor.Hex())
	return nil
}

func statusEvent(id uint64, actor common.Address, from, to Status, proof []byte) events.Event {
	attrs := map[string]string{
		"from": from.String(),
		"to":   to.String(),
	}
	if len(proof) > 0 {
		attrs["proof"] = hex.EncodeToString(proof)
	}
	return events.New(events.TopicIntentStatusChanged, id, actor, attrs)
}

func rolesOf(sender common.Address, record IntentRecord, cfg Config) []Role {
	var roles []Role
	if sender == record.Owner {
		roles = append(roles, RoleOwner)
	}
	// a wildcard keeper lets anyone execute, it does not let anyone drive status updates
	if record.Keeper != (common.Address{}) && sender == record.Keeper {
		roles = append(roles, RoleKeeper)
	}
	if cfg.Executor != (common.Address{}) && sender == cfg.Executor {
		roles = append(roles, RoleExecutor)
	}
	return roles
}

func loadConfig(ctx context.Context, tx *ledger.Txn) (Config, error) {
	raw, ok, err := tx.Get(ctx, configKey)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, errs.New(errs.KindNotConfigured, "registry is not initialized")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindStorage, err, "decode registry config")
	}
	return cfg, nil
}

func putConfig(tx *ledger.Txn, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "encode registry config")
	}
	tx.Put(configKey, raw)
	return nil
}

func loadRecord(ctx context.Context, tx *ledger.Txn, id uint64) (IntentRecord, error) {
	raw, ok, err := tx.Get(ctx, IntentKey(id))
	if err != nil {
		return IntentRecord{}, err
	}
	if !ok {
		return IntentRecord{}, errs.New(errs.KindNotFound, "intent %d not registered", id)
	}
	return DecodeRecord(raw)
}

func saveRecord(tx *ledger.Txn, id uint64, record IntentRecord) error {
	raw, err := EncodeRecord(record)
	if err != nil {
		return err
	}
	tx.Put(IntentKey(id), raw)
	return nil
}
