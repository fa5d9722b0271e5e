package plan

import "strings"

// Opcode names the action a workflow step performs.
type Opcode uint64

const (
	OpSwap              Opcode = 1
	OpProvideLiquidity  Opcode = 2
	OpStake             Opcode = 3
	OpTransfer          Opcode = 4
	OpLendSupply        Opcode = 5
	OpLendWithdraw      Opcode = 6
	OpWithdrawLiquidity Opcode = 7
	OpUnstake           Opcode = 8
)

const (
	// VersionInitial covers swaps, single-sided liquidity and transfers.
	VersionInitial uint64 = 1
	// VersionExtended adds staking, lending and liquidity withdrawal.
	VersionExtended uint64 = 2

	CurrentVersion = VersionExtended
)

// OpcodeList contains every opcode the engine knows about
var OpcodeList = []Opcode{
	OpSwap,
	OpProvideLiquidity,
	OpStake,
	OpTransfer,
	OpLendSupply,
	OpLendWithdraw,
	OpWithdrawLiquidity,
	OpUnstake,
}

var opcodeNames = map[Opcode]string{
	OpSwap:              "SWAP",
	OpProvideLiquidity:  "PROVIDE_LIQUIDITY",
	OpStake:             "STAKE",
	OpTransfer:          "TRANSFER",
	OpLendSupply:        "LEND_SUPPLY",
	OpLendWithdraw:      "LEND_WITHDRAW",
	OpWithdrawLiquidity: "WITHDRAW_LIQUIDITY",
	OpUnstake:           "UNSTAKE",
}

// opcodeSince is the first plan version that may use an opcode
var opcodeSince = map[Opcode]uint64{
	OpSwap:              VersionInitial,
	OpProvideLiquidity:  VersionInitial,
	OpTransfer:          VersionInitial,
	OpStake:             VersionExtended,
	OpLendSupply:        VersionExtended,
	OpLendWithdraw:      VersionExtended,
	OpWithdrawLiquidity: VersionExtended,
	OpUnstake:           VersionExtended,
}

func (o Opcode) String() string {
	name, exists := opcodeNames[o]
	if !exists {
		return "UNKNOWN"
	}
	return name
}

// SupportedIn reports whether a plan of the given version may use the opcode.
func (o Opcode) SupportedIn(version uint64) bool {
	since, exists := opcodeSince[o]
	if !exists {
		return false
	}
	return version >= since
}

// ParseOpcode resolves an opcode from its name, case-insensitive, with "-" or "_" separators.
func ParseOpcode(name string) (Opcode, bool) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for op, n := range opcodeNames {
		if n == normalized {
			return op, true
		}
	}
	return 0, false
}
