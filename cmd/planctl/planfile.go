package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/speedrun-hq/intentflow/pkg/plan"
)

// PlanFile is the human-editable form of a workflow plan.
type PlanFile struct {
	Version uint64       `yaml:"version"`
	Steps   []StepFile   `yaml:"steps"`
	Trigger *TriggerFile `yaml:"trigger,omitempty"`
}

// StepFile describes one step. Target is the pool or recipient address and
// Tail carries any opcode-specific bytes after it, hex encoded.
type StepFile struct {
	Op          string `yaml:"op"`
	Venue       uint64 `yaml:"venue"`
	AssetIn     uint64 `yaml:"asset_in"`
	AssetOut    uint64 `yaml:"asset_out"`
	Amount      uint64 `yaml:"amount"`
	SlippageBps uint64 `yaml:"slippage_bps"`
	Target      string `yaml:"target"`
	Tail        string `yaml:"tail,omitempty"`
}

// TriggerFile gates execution on an oracle value
type TriggerFile struct {
	OracleRef  uint64 `yaml:"oracle_ref"`
	Key        string `yaml:"key"`
	Comparator string `yaml:"comparator"`
	Threshold  uint64 `yaml:"threshold"`
}

// Encoded holds the wire form of a plan file.
type Encoded struct {
	Version uint64
	Plan    []byte
	Hash    common.Hash
	Trigger []byte
}

func loadPlanFile(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return parsePlanFile(data)
}

func parsePlanFile(data []byte) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if pf.Version == 0 {
		pf.Version = plan.CurrentVersion
	}
	return &pf, nil
}

// ToSteps converts the file into plan steps and checks them against the file version.
func (pf *PlanFile) ToSteps() ([]plan.Step, error) {
	steps := make([]plan.Step, 0, len(pf.Steps))
	for i, s := range pf.Steps {
		op, ok := plan.ParseOpcode(s.Op)
		if !ok {
			return nil, fmt.Errorf("step %d: unknown op %q", i, s.Op)
		}
		if !common.IsHexAddress(s.Target) {
			return nil, fmt.Errorf("step %d: invalid target %q", i, s.Target)
		}
		var tail []byte
		if s.Tail != "" {
			b, err := hexutil.Decode(s.Tail)
			if err != nil {
				return nil, fmt.Errorf("step %d: invalid tail: %w", i, err)
			}
			tail = b
		}
		steps = append(steps, plan.Step{
			Opcode:      op,
			VenueID:     s.Venue,
			AssetIn:     s.AssetIn,
			AssetOut:    s.AssetOut,
			Amount:      s.Amount,
			SlippageBps: s.SlippageBps,
			Extra:       plan.AddressWord(common.HexToAddress(s.Target), tail...),
		})
	}
	if err := plan.Validate(steps, pf.Version); err != nil {
		return nil, err
	}
	return steps, nil
}

// ToTrigger returns the trigger, or the None trigger when the file has none.
func (pf *PlanFile) ToTrigger() (plan.Trigger, error) {
	if pf.Trigger == nil {
		return plan.Trigger{Type: plan.TriggerNone}, nil
	}
	t := plan.Trigger{
		Type:      plan.TriggerPriceThreshold,
		OracleRef: pf.Trigger.OracleRef,
		OracleKey: []byte(pf.Trigger.Key),
		Threshold: pf.Trigger.Threshold,
	}
	switch strings.ToUpper(pf.Trigger.Comparator) {
	case "GTE", "":
		t.Comparator = plan.CompareGTE
	case "LTE":
		t.Comparator = plan.CompareLTE
	default:
		return plan.Trigger{}, fmt.Errorf("unknown comparator %q", pf.Trigger.Comparator)
	}
	if err := t.Validate(); err != nil {
		return plan.Trigger{}, err
	}
	return t, nil
}

// Encode produces the plan bytes, their workflow hash and the trigger bytes.
func (pf *PlanFile) Encode() (*Encoded, error) {
	steps, err := pf.ToSteps()
	if err != nil {
		return nil, err
	}
	data, err := plan.Encode(steps)
	if err != nil {
		return nil, err
	}
	trigger, err := pf.ToTrigger()
	if err != nil {
		return nil, err
	}
	triggerBytes, err := plan.EncodeTrigger(trigger)
	if err != nil {
		return nil, err
	}
	return &Encoded{
		Version: pf.Version,
		Plan:    data,
		Hash:    plan.Hash(data),
		Trigger: triggerBytes,
	}, nil
}

// planFileFromSteps renders decoded steps back into file form.
func planFileFromSteps(version uint64, steps []plan.Step) (*PlanFile, error) {
	pf := &PlanFile{Version: version}
	for i, s := range steps {
		target, err := s.Target()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		sf := StepFile{
			Op:          s.Opcode.String(),
			Venue:       s.VenueID,
			AssetIn:     s.AssetIn,
			AssetOut:    s.AssetOut,
			Amount:      s.Amount,
			SlippageBps: s.SlippageBps,
			Target:      target.Hex(),
		}
		if tail := s.Tail(); len(tail) > 0 {
			sf.Tail = hexutil.Encode(tail)
		}
		pf.Steps = append(pf.Steps, sf)
	}
	return pf, nil
}
