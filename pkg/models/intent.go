package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/speedrun-hq/intentflow/pkg/plan"
	"github.com/speedrun-hq/intentflow/pkg/registry"
)

// Intent is the API view of an intent record
type Intent struct {
	ID               uint64          `json:"id"`
	Owner            common.Address  `json:"owner"`
	Collateral       uint64          `json:"collateral"`
	WorkflowHash     common.Hash     `json:"workflow_hash"`
	Status           registry.Status `json:"status"`
	WorkflowBlob     hexutil.Bytes   `json:"workflow_blob,omitempty"`
	Keeper           common.Address  `json:"keeper"`
	Version          uint64          `json:"version"`
	TriggerCondition hexutil.Bytes   `json:"trigger_condition,omitempty"`
	Trigger          *Trigger        `json:"trigger,omitempty"`
	EscrowAppID      uint64          `json:"escrow_app_id"`
	EscrowAssetID    uint64          `json:"escrow_asset_id"`
}

// Trigger is the decoded trigger condition
type Trigger struct {
	OracleRef  uint64        `json:"oracle_ref"`
	OracleKey  hexutil.Bytes `json:"oracle_key"`
	Comparator string        `json:"comparator"`
	Threshold  uint64        `json:"threshold"`
}

// FromRecord converts a stored record to its API view
func FromRecord(id uint64, r registry.IntentRecord) Intent {
	intent := Intent{
		ID:               id,
		Owner:            r.Owner,
		Collateral:       r.Collateral,
		WorkflowHash:     r.WorkflowHash,
		Status:           r.Status,
		WorkflowBlob:     r.WorkflowBlob,
		Keeper:           r.Keeper,
		Version:          r.Version,
		TriggerCondition: r.TriggerCondition,
		EscrowAppID:      r.EscrowAppID,
		EscrowAssetID:    r.EscrowAssetID,
	}
	if t, err := plan.DecodeTrigger(r.TriggerCondition); err == nil && t.Type == plan.TriggerPriceThreshold {
		intent.Trigger = &Trigger{
			OracleRef:  t.OracleRef,
			OracleKey:  t.OracleKey,
			Comparator: t.Comparator.String(),
			Threshold:  t.Threshold,
		}
	}
	return intent
}

// IntentList is a page of intents
type IntentList struct {
	Intents    []Intent `json:"intents"`
	TotalCount int      `json:"total_count"`
	NextID     uint64   `json:"next_id"`
}

// Account is the execution account of an intent and its balances
type Account struct {
	IntentID uint64            `json:"intent_id"`
	Address  common.Address    `json:"address"`
	Balances map[uint64]uint64 `json:"balances"`
}
