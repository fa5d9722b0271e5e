package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RegisterIntentRequest registers an intent. Collateral is paid from the signer.
type RegisterIntentRequest struct {
	WorkflowHash     common.Hash    `json:"workflow_hash"     validate:"required"`
	WorkflowBlob     hexutil.Bytes  `json:"workflow_blob,omitempty"`
	TriggerCondition hexutil.Bytes  `json:"trigger_condition,omitempty"`
	Collateral       uint64         `json:"collateral"`
	Keeper           common.Address `json:"keeper"`
	Version          uint64         `json:"version"`
	EscrowAppID      uint64         `json:"escrow_app_id"`
	EscrowAssetID    uint64         `json:"escrow_asset_id"`
}

// RegisterIntentResponse carries the id of a new intent
type RegisterIntentResponse struct {
	ID uint64 `json:"id"`
}

// ExecuteRequest runs an intent's plan. An empty plan uses the inline blob.
type ExecuteRequest struct {
	Plan         hexutil.Bytes  `json:"plan,omitempty"`
	FeeRecipient common.Address `json:"fee_recipient"`
}

// QueuedResponse acknowledges an asynchronous execution
type QueuedResponse struct {
	IntentID uint64 `json:"intent_id"`
	Queued   bool   `json:"queued"`
}

// StatusRequest moves an intent along the lifecycle
type StatusRequest struct {
	Status string        `json:"status" validate:"required,oneof=EXECUTING SUCCESS FAILED"`
	Proof  hexutil.Bytes `json:"proof,omitempty"`
}

// WithdrawRequest releases collateral; a zero recipient means the owner
type WithdrawRequest struct {
	Recipient common.Address `json:"recipient"`
}

// WithdrawResponse reports the released amount
type WithdrawResponse struct {
	Amount uint64 `json:"amount"`
}

// DepositRequest funds the execution account of an intent
type DepositRequest struct {
	Asset  uint64 `json:"asset"`
	Amount uint64 `json:"amount" validate:"gt=0"`
}

// SweepResponse lists the balances returned to the owner
type SweepResponse struct {
	Swept map[uint64]uint64 `json:"swept"`
}

// OraclePublishRequest publishes a value to an oracle feed
type OraclePublishRequest struct {
	Ref   uint64 `json:"ref"   validate:"gt=0"`
	Key   string `json:"key"   validate:"required,max=64"`
	Value uint64 `json:"value"`
}
