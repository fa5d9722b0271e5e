package plan

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

var (
	poolAddr      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	recipientAddr = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func sampleSteps() []Step {
	return []Step{
		{Opcode: OpSwap, VenueID: 11, AssetIn: 0, AssetOut: 31566704, Amount: 100_000000, SlippageBps: 50, Extra: AddressWord(poolAddr)},
		{Opcode: OpProvideLiquidity, VenueID: 11, AssetIn: 31566704, AssetOut: 900, Amount: 0, SlippageBps: 100, Extra: AddressWord(poolAddr, 0xde, 0xad)},
		{Opcode: OpTransfer, AssetIn: 900, Amount: 0, Extra: AddressWord(recipientAddr)},
	}
}

func TestPlanRoundTrip(t *testing.T) {
	t.Run("multi step plan", func(t *testing.T) {
		steps := sampleSteps()
		data, err := Encode(steps)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, steps, decoded)
	})

	t.Run("empty extra decodes as nil", func(t *testing.T) {
		steps := []Step{{Opcode: OpStake, VenueID: 3, AssetIn: 1, AssetOut: 2, Amount: 5}}
		data, err := Encode(steps)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, steps, decoded)
		assert.Nil(t, decoded[0].Extra)
	})

	t.Run("max values", func(t *testing.T) {
		max := ^uint64(0)
		steps := []Step{{Opcode: Opcode(max), VenueID: max, AssetIn: max, AssetOut: max, Amount: max, SlippageBps: max, Extra: make([]byte, 97)}}
		data, err := Encode(steps)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, steps, decoded)
	})

	t.Run("encoding is deterministic", func(t *testing.T) {
		a, err := Encode(sampleSteps())
		require.NoError(t, err)
		b, err := Encode(sampleSteps())
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, Hash(a), Hash(b))
	})
}

func TestPlanLayout(t *testing.T) {
	steps := []Step{{Opcode: OpSwap, VenueID: 2, AssetIn: 3, AssetOut: 4, Amount: 5, SlippageBps: 6, Extra: []byte{0xaa}}}
	data, err := Encode(steps)
	require.NoError(t, err)

	word := func(i int) string { return hex.EncodeToString(data[i*32 : (i+1)*32]) }
	// head: offset of the array, then the length prefix
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000020", word(0))
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000001", word(1))
	// offset of the single dynamic tuple
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000020", word(2))
	// opcode and slippage
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000001", word(3))
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000006", word(8))
	// extra: offset, length, padded data
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000000000e0", word(9))
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000001", word(10))
	assert.Equal(t, "aa00000000000000000000000000000000000000000000000000000000000000", word(11))
	assert.Len(t, data, 12*32)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := Decode(nil)
		assert.True(t, errors.Is(err, errs.ErrMalformedPlan))
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := Encode(sampleSteps())
		require.NoError(t, err)
		_, err = Decode(data[:len(data)-40])
		assert.True(t, errors.Is(err, errs.ErrMalformedPlan))
	})

	t.Run("random bytes", func(t *testing.T) {
		_, err := Decode([]byte("definitely not an abi payload"))
		assert.True(t, errors.Is(err, errs.ErrMalformedPlan))
	})
}

func TestHashBinding(t *testing.T) {
	a, err := Encode(sampleSteps())
	require.NoError(t, err)

	changed := sampleSteps()
	changed[0].SlippageBps = 51
	b, err := Encode(changed)
	require.NoError(t, err)

	assert.NotEqual(t, Hash(a), Hash(b))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hex.EncodeToString(Hash(nil).Bytes()))
}

func TestValidate(t *testing.T) {
	t.Run("valid extended plan", func(t *testing.T) {
		assert.NoError(t, Validate(sampleSteps(), CurrentVersion))
	})

	t.Run("no steps", func(t *testing.T) {
		assert.True(t, errors.Is(Validate(nil, CurrentVersion), errs.ErrMalformedPlan))
	})

	t.Run("unknown opcode", func(t *testing.T) {
		steps := sampleSteps()
		steps[1].Opcode = 42
		assert.True(t, errors.Is(Validate(steps, CurrentVersion), errs.ErrUnsupportedOpcode))
	})

	t.Run("opcode newer than plan version", func(t *testing.T) {
		steps := []Step{{Opcode: OpStake, Extra: AddressWord(poolAddr)}}
		assert.True(t, errors.Is(Validate(steps, VersionInitial), errs.ErrUnsupportedOpcode))
		assert.NoError(t, Validate(steps, VersionExtended))
	})

	t.Run("slippage above scale", func(t *testing.T) {
		steps := sampleSteps()
		steps[0].SlippageBps = 10001
		assert.True(t, errors.Is(Validate(steps, CurrentVersion), errs.ErrMalformedPlan))
	})

	t.Run("missing address word", func(t *testing.T) {
		steps := sampleSteps()
		steps[2].Extra = []byte{1, 2, 3}
		assert.True(t, errors.Is(Validate(steps, CurrentVersion), errs.ErrMalformedPlan))
	})
}

func TestStepTarget(t *testing.T) {
	step := Step{Extra: AddressWord(poolAddr, 1, 2)}
	addr, err := step.Target()
	require.NoError(t, err)
	assert.Equal(t, poolAddr, addr)
	assert.Equal(t, []byte{1, 2}, step.Tail())

	dirty := make([]byte, 32)
	dirty[0] = 1
	_, err = Step{Extra: dirty}.Target()
	assert.True(t, errors.Is(err, errs.ErrMalformedPlan))
}

func TestTriggerCodec(t *testing.T) {
	t.Run("none is empty", func(t *testing.T) {
		data, err := EncodeTrigger(Trigger{})
		require.NoError(t, err)
		assert.Empty(t, data)

		trig, err := DecodeTrigger(nil)
		require.NoError(t, err)
		assert.Equal(t, TriggerNone, trig.Type)
	})

	t.Run("price threshold round trip", func(t *testing.T) {
		trig := Trigger{Type: TriggerPriceThreshold, OracleRef: 7, OracleKey: []byte("price"), Comparator: CompareLTE, Threshold: 1_500_000}
		data, err := EncodeTrigger(trig)
		require.NoError(t, err)

		decoded, err := DecodeTrigger(data)
		require.NoError(t, err)
		assert.Equal(t, trig, decoded)
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := DecodeTrigger([]byte{1, 2, 3})
		assert.True(t, errors.Is(err, errs.ErrMalformedTrigger))
	})
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		valid   bool
	}{
		{"none", Trigger{}, true},
		{"gte", Trigger{Type: TriggerPriceThreshold, OracleRef: 1, OracleKey: []byte("p"), Comparator: CompareGTE}, true},
		{"missing oracle", Trigger{Type: TriggerPriceThreshold, OracleKey: []byte("p")}, false},
		{"missing key", Trigger{Type: TriggerPriceThreshold, OracleRef: 1}, false},
		{"bad comparator", Trigger{Type: TriggerPriceThreshold, OracleRef: 1, OracleKey: []byte("p"), Comparator: 9}, false},
		{"bad type", Trigger{Type: 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errs.ErrMalformedTrigger))
			}
		})
	}
}

func TestTriggerSatisfied(t *testing.T) {
	gte := Trigger{Type: TriggerPriceThreshold, Comparator: CompareGTE, Threshold: 1_500_000}
	assert.False(t, gte.Satisfied(1_000_000))
	assert.True(t, gte.Satisfied(1_500_000))

	lte := Trigger{Type: TriggerPriceThreshold, Comparator: CompareLTE, Threshold: 1_500_000}
	assert.True(t, lte.Satisfied(1_000_000))
	assert.True(t, lte.Satisfied(1_500_000))
	assert.False(t, lte.Satisfied(1_500_001))
}

func TestOpcodes(t *testing.T) {
	for _, op := range OpcodeList {
		parsed, ok := ParseOpcode(op.String())
		require.True(t, ok, op.String())
		assert.Equal(t, op, parsed)
		assert.True(t, op.SupportedIn(CurrentVersion))
	}

	op, ok := ParseOpcode("provide-liquidity")
	assert.True(t, ok)
	assert.Equal(t, OpProvideLiquidity, op)

	_, ok = ParseOpcode("teleport")
	assert.False(t, ok)
	assert.Equal(t, "UNKNOWN", Opcode(99).String())
	assert.False(t, Opcode(99).SupportedIn(CurrentVersion))
}
