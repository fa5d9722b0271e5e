package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

// IntentKeyPrefix prefixes every intent record box.
const IntentKeyPrefix = "intent:"

// IntentKey returns the storage key of an intent: the prefix followed by the big-endian id.
func IntentKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(IntentKeyPrefix), id)
}

// IntentRecord is the authoritative state of one intent.
type IntentRecord struct {
	Owner            common.Address
	Collateral       uint64
	WorkflowHash     common.Hash
	Status           Status
	WorkflowBlob     []byte
	Keeper           common.Address
	Version          uint64
	TriggerCondition []byte
	EscrowAppID      uint64
	EscrowAssetID    uint64
}

type recordTuple struct {
	Owner            common.Address `json:"owner"`
	Collateral       uint64         `json:"collateral"`
	WorkflowHash     [32]byte       `json:"workflowHash"`
	Status           uint64         `json:"status"`
	WorkflowBlob     []byte         `json:"workflowBlob"`
	Keeper           common.Address `json:"keeper"`
	Version          uint64         `json:"version"`
	TriggerCondition []byte         `json:"triggerCondition"`
	EscrowAppId      uint64         `json:"escrowAppId"`
	EscrowAssetId    uint64         `json:"escrowAssetId"`
}

var recordArguments abi.Arguments

func init() {
	t, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "owner", Type: "address"},
		{Name: "collateral", Type: "uint64"},
		{Name: "workflowHash", Type: "bytes32"},
		{Name: "status", Type: "uint64"},
		{Name: "workflowBlob", Type: "bytes"},
		{Name: "keeper", Type: "address"},
		{Name: "version", Type: "uint64"},
		{Name: "triggerCondition", Type: "bytes"},
		{Name: "escrowAppId", Type: "uint64"},
		{Name: "escrowAssetId", Type: "uint64"},
	})
	if err != nil {
		panic(fmt.Sprintf("invalid intent record abi: %v", err))
	}
	recordArguments = abi.Arguments{{Type: t}}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// EncodeRecord packs a record in its raw storage form.
func EncodeRecord(r IntentRecord) ([]byte, error) {
	data, err := recordArguments.Pack(recordTuple{
		Owner:            r.Owner,
		Collateral:       r.Collateral,
		WorkflowHash:     r.WorkflowHash,
		Status:           uint64(r.Status),
		WorkflowBlob:     nonNil(r.WorkflowBlob),
		Keeper:           r.Keeper,
		Version:          r.Version,
		TriggerCondition: nonNil(r.TriggerCondition),
		EscrowAppId:      r.EscrowAppID,
		EscrowAssetId:    r.EscrowAssetID,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "encode intent record")
	}
	return data, nil
}

// DecodeRecord unpacks the raw storage form of a record.
func DecodeRecord(data []byte) (record IntentRecord, err error) {
	values, err := recordArguments.Unpack(data)
	if err != nil {
		return IntentRecord{}, errs.Wrap(errs.KindStorage, err, "decode intent record")
	}
	if len(values) != 1 {
		return IntentRecord{}, errs.New(errs.KindStorage, "decode intent record: unexpected value count %d", len(values))
	}

	defer func() {
		if r := recover(); r != nil {
			record, err = IntentRecord{}, errs.New(errs.KindStorage, "decode intent record: %v", r)
		}
	}()
	t := *abi.ConvertType(values[0], new(recordTuple)).(*recordTuple)

	record = IntentRecord{
		Owner:         t.Owner,
		Collateral:    t.Collateral,
		WorkflowHash:  t.WorkflowHash,
		Status:        Status(t.Status),
		Keeper:        t.Keeper,
		Version:       t.Version,
		EscrowAppID:   t.EscrowAppId,
		EscrowAssetID: t.EscrowAssetId,
	}
	if len(t.WorkflowBlob) > 0 {
		record.WorkflowBlob = t.WorkflowBlob
	}
	if len(t.TriggerCondition) > 0 {
		record.TriggerCondition = t.TriggerCondition
	}
	return record, nil
}
