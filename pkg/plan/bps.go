package plan

import "math/bits"

// mulDiv returns floor(a*b/d) for b <= d, so the quotient always fits in 64 bits.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, d)
	return q
}

// AmountAfterSlippage returns floor(amount*(10000-slippageBps)/10000).
// A slippage above the scale leaves nothing.
func AmountAfterSlippage(amount, slippageBps uint64) uint64 {
	if slippageBps >= SlippageScale {
		return 0
	}
	return mulDiv(amount, SlippageScale-slippageBps, SlippageScale)
}

// PortionBps returns floor(amount*bps/10000), bps is clamped to the scale.
func PortionBps(amount, bps uint64) uint64 {
	if bps > SlippageScale {
		bps = SlippageScale
	}
	return mulDiv(amount, bps, SlippageScale)
}
