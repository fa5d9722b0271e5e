package plan

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmountAfterSlippage(t *testing.T) {
	tests := []struct {
		amount, bps, want uint64
	}{
		{100_000000, 50, 99_500000},
		{100_000000, 0, 100_000000},
		{100_000000, 10000, 0},
		{999, 1, 998}, // 998.9001 rounds down
		{1, 1, 0},
		{0, 30, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AmountAfterSlippage(tt.amount, tt.bps), "amount=%d bps=%d", tt.amount, tt.bps)
	}
}

func TestAmountAfterSlippageMatchesBigIntFloor(t *testing.T) {
	amounts := []uint64{1, 7, 10_001, 123_456_789, 1 << 40, ^uint64(0), ^uint64(0) - 12345}
	slippages := []uint64{0, 1, 3, 50, 333, 9999, 10000}

	scale := big.NewInt(int64(SlippageScale))
	for _, a := range amounts {
		for _, b := range slippages {
			want := new(big.Int).SetUint64(a)
			want.Mul(want, new(big.Int).SetUint64(SlippageScale-b))
			want.Quo(want, scale)
			assert.Equal(t, want.Uint64(), AmountAfterSlippage(a, b), "amount=%d bps=%d", a, b)
		}
	}
}

func TestPortionBps(t *testing.T) {
	assert.Equal(t, uint64(2_000), PortionBps(200_000, 100))
	assert.Equal(t, uint64(19), PortionBps(199, 1000))
	assert.Equal(t, uint64(199), PortionBps(199, 20000))
	assert.Equal(t, ^uint64(0)/10, PortionBps(^uint64(0), 1000))
}
