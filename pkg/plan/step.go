package plan

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

const (
	// SlippageScale is the basis-point denominator.
	SlippageScale uint64 = 10000
	// AddressWordSize is the size of the pool/recipient prefix carried in Step.Extra.
	AddressWordSize = 32
)

// Step is one action of a workflow plan.
type Step struct {
	Opcode      Opcode
	VenueID     uint64
	AssetIn     uint64
	AssetOut    uint64
	Amount      uint64
	SlippageBps uint64
	Extra       []byte
}

// stepTuple mirrors the ABI tuple, field names must match the component names
type stepTuple struct {
	Opcode        uint64 `json:"opcode"`
	TargetVenueId uint64 `json:"targetVenueId"`
	AssetIn       uint64 `json:"assetIn"`
	AssetOut      uint64 `json:"assetOut"`
	Amount        uint64 `json:"amount"`
	SlippageBps   uint64 `json:"slippageBps"`
	Extra         []byte `json:"extra"`
}

var planArguments = mustArguments("tuple[]", []abi.ArgumentMarshaling{
	{Name: "opcode", Type: "uint64"},
	{Name: "targetVenueId", Type: "uint64"},
	{Name: "assetIn", Type: "uint64"},
	{Name: "assetOut", Type: "uint64"},
	{Name: "amount", Type: "uint64"},
	{Name: "slippageBps", Type: "uint64"},
	{Name: "extra", Type: "bytes"},
})

func mustArguments(typ string, components []abi.ArgumentMarshaling) abi.Arguments {
	t, err := abi.NewType(typ, "", components)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", typ, err))
	}
	return abi.Arguments{{Type: t}}
}

// Encode packs steps as an ABI dynamic array of step tuples.
func Encode(steps []Step) ([]byte, error) {
	tuples := make([]stepTuple, len(steps))
	for i, s := range steps {
		tuples[i] = stepTuple{
			Opcode:        uint64(s.Opcode),
			TargetVenueId: s.VenueID,
			AssetIn:       s.AssetIn,
			AssetOut:      s.AssetOut,
			Amount:        s.Amount,
			SlippageBps:   s.SlippageBps,
			Extra:         s.Extra,
		}
		if tuples[i].Extra == nil {
			tuples[i].Extra = []byte{}
		}
	}
	data, err := planArguments.Pack(tuples)
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformedPlan, err, "encode plan")
	}
	return data, nil
}

// Decode unpacks plan bytes produced by Encode or any compatible encoder.
func Decode(data []byte) (steps []Step, err error) {
	if len(data) == 0 {
		return nil, errs.New(errs.KindMalformedPlan, "empty plan")
	}
	values, err := planArguments.Unpack(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformedPlan, err, "decode plan")
	}
	if len(values) != 1 {
		return nil, errs.New(errs.KindMalformedPlan, "decode plan: unexpected value count %d", len(values))
	}

	defer func() {
		if r := recover(); r != nil {
			steps, err = nil, errs.New(errs.KindMalformedPlan, "decode plan: %v", r)
		}
	}()
	tuples := *abi.ConvertType(values[0], new([]stepTuple)).(*[]stepTuple)

	steps = make([]Step, len(tuples))
	for i, t := range tuples {
		steps[i] = Step{
			Opcode:      Opcode(t.Opcode),
			VenueID:     t.TargetVenueId,
			AssetIn:     t.AssetIn,
			AssetOut:    t.AssetOut,
			Amount:      t.Amount,
			SlippageBps: t.SlippageBps,
		}
		if len(t.Extra) > 0 {
			steps[i].Extra = t.Extra
		}
	}
	return steps, nil
}

// Hash returns the workflow digest of the exact plan bytes.
func Hash(data []byte) common.Hash {
	return sha256.Sum256(data)
}

// Validate checks that a decoded plan can be executed under the given plan version.
func Validate(steps []Step, version uint64) error {
	if len(steps) == 0 {
		return errs.New(errs.KindMalformedPlan, "plan has no steps")
	}
	for i, s := range steps {
		if !s.Opcode.SupportedIn(version) {
			return errs.New(errs.KindUnsupportedOpcode, "step %d: opcode %d not supported in version %d", i, uint64(s.Opcode), version)
		}
		if s.SlippageBps > SlippageScale {
			return errs.New(errs.KindMalformedPlan, "step %d: slippage %d bps exceeds %d", i, s.SlippageBps, SlippageScale)
		}
		if _, err := s.Target(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Target returns the pool or recipient address held in the first word of Extra.
func (s Step) Target() (common.Address, error) {
	if len(s.Extra) < AddressWordSize {
		return common.Address{}, errs.New(errs.KindMalformedPlan, "extra must start with a %d-byte address word", AddressWordSize)
	}
	word := s.Extra[:AddressWordSize]
	if !bytes.Equal(word[:AddressWordSize-common.AddressLength], make([]byte, AddressWordSize-common.AddressLength)) {
		return common.Address{}, errs.New(errs.KindMalformedPlan, "address word has non-zero padding")
	}
	return common.BytesToAddress(word[AddressWordSize-common.AddressLength:]), nil
}

// Tail returns the opcode-specific data following the address word.
func (s Step) Tail() []byte {
	if len(s.Extra) <= AddressWordSize {
		return nil
	}
	return s.Extra[AddressWordSize:]
}

// AddressWord left-pads addr to a 32-byte word, optionally followed by tail.
func AddressWord(addr common.Address, tail ...byte) []byte {
	word := common.LeftPadBytes(addr.Bytes(), AddressWordSize)
	return append(word, tail...)
}
