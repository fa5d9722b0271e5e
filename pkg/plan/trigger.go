package plan

import (
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

// TriggerType selects how a trigger is evaluated.
type TriggerType uint64

const (
	TriggerNone           TriggerType = 0
	TriggerPriceThreshold TriggerType = 1
)

// Comparator compares an oracle value against a threshold.
type Comparator uint64

const (
	CompareGTE Comparator = 0
	CompareLTE Comparator = 1
)

func (c Comparator) String() string {
	switch c {
	case CompareGTE:
		return "GTE"
	case CompareLTE:
		return "LTE"
	default:
		return "UNKNOWN"
	}
}

// Trigger gates execution on a published oracle value.
type Trigger struct {
	Type       TriggerType
	OracleRef  uint64
	OracleKey  []byte
	Comparator Comparator
	Threshold  uint64
}

type triggerTuple struct {
	TriggerType uint64 `json:"triggerType"`
	OracleRef   uint64 `json:"oracleRef"`
	OracleKey   []byte `json:"oracleKey"`
	Comparator  uint64 `json:"comparator"`
	Threshold   uint64 `json:"threshold"`
}

var triggerArguments = mustArguments("tuple", []abi.ArgumentMarshaling{
	{Name: "triggerType", Type: "uint64"},
	{Name: "oracleRef", Type: "uint64"},
	{Name: "oracleKey", Type: "bytes"},
	{Name: "comparator", Type: "uint64"},
	{Name: "threshold", Type: "uint64"},
})

// Validate checks the trigger is well formed without reading the oracle.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerNone:
		return nil
	case TriggerPriceThreshold:
		if t.OracleRef == 0 {
			return errs.New(errs.KindMalformedTrigger, "price threshold requires an oracle reference")
		}
		if len(t.OracleKey) == 0 {
			return errs.New(errs.KindMalformedTrigger, "price threshold requires an oracle key")
		}
		if t.Comparator != CompareGTE && t.Comparator != CompareLTE {
			return errs.New(errs.KindMalformedTrigger, "unknown comparator %d", uint64(t.Comparator))
		}
		return nil
	default:
		return errs.New(errs.KindMalformedTrigger, "unknown trigger type %d", uint64(t.Type))
	}
}

// Satisfied applies the comparator to value.
func (t Trigger) Satisfied(value uint64) bool {
	if t.Comparator == CompareLTE {
		return value <= t.Threshold
	}
	return value >= t.Threshold
}

// EncodeTrigger packs a trigger. A None trigger encodes to empty bytes.
func EncodeTrigger(t Trigger) ([]byte, error) {
	if t.Type == TriggerNone {
		return nil, nil
	}
	key := t.OracleKey
	if key == nil {
		key = []byte{}
	}
	data, err := triggerArguments.Pack(triggerTuple{
		TriggerType: uint64(t.Type),
		OracleRef:   t.OracleRef,
		OracleKey:   key,
		Comparator:  uint64(t.Comparator),
		Threshold:   t.Threshold,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformedTrigger, err, "encode trigger")
	}
	return data, nil
}

// DecodeTrigger unpacks a trigger condition; empty input is the None trigger.
func DecodeTrigger(data []byte) (trigger Trigger, err error) {
	if len(data) == 0 {
		return Trigger{Type: TriggerNone}, nil
	}
	values, err := triggerArguments.Unpack(data)
	if err != nil {
		return Trigger{}, errs.Wrap(errs.KindMalformedTrigger, err, "decode trigger")
	}
	if len(values) != 1 {
		return Trigger{}, errs.New(errs.KindMalformedTrigger, "decode trigger: unexpected value count %d", len(values))
	}

	defer func() {
		if r := recover(); r != nil {
			trigger, err = Trigger{}, errs.New(errs.KindMalformedTrigger, "decode trigger: %v", r)
		}
	}()
	tuple := *abi.ConvertType(values[0], new(triggerTuple)).(*triggerTuple)

	trigger = Trigger{
		Type:       TriggerType(tuple.TriggerType),
		OracleRef:  tuple.OracleRef,
		Comparator: Comparator(tuple.Comparator),
		Threshold:  tuple.Threshold,
	}
	if len(tuple.OracleKey) > 0 {
		trigger.OracleKey = tuple.OracleKey
	}
	return trigger, nil
}
