package dispatcher

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// settleFee pays the keeper share of collateral through the registry, which
// caps bps at its own fee cap. A zero share settles nothing.
func (d *Dispatcher) settleFee(ctx context.Context, id uint64, recipient common.Address, bps uint64) (uint64, error) {
	if bps == 0 {
		return 0, nil
	}
	fee, err := d.registry.SettleFee(ctx, d.address, id, recipient, bps)
	if err != nil {
		return 0, err
	}
	if fee > 0 {
		d.logger.DebugWithIntent(id, "Settled fee %d (%d bps requested) to %s", fee, bps, recipient.Hex())
	}
	return fee, nil
}
