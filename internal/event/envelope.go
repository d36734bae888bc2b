package event

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeSupply
	OpTypeWithdraw
	OpTypeBorrow
	OpTypeRepay
	OpTypeLiquidate
	OpTypePriceUpdate
	OpTypeAddMarket
	OpTypePauseMarket
	OpTypeResumeMarket
	OpTypeSetReserveFactor
	OpTypeSetBorrowCap
	OpTypeSetCloseFactor
	OpTypeReduceReserves

	// Outbound only: emitted by the core, never ingested.
	OpTypeLiquidationEligible
)

// Envelope wraps every applied operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Market context (nullable for global operations)
	MarketID *string

	// Versioned input block height (NOT wall-clock; the core never reads
	// a clock)
	Block uint64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Operation is the interface all inbound payloads implement
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// MarketID returns the market context (nil for global operations)
	MarketID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// BlockHeight returns the versioned block at which the operation
	// takes effect
	BlockHeight() uint64
}

func (ot OpType) String() string {
	switch ot {
	case OpTypeSupply:
		return "Supply"
	case OpTypeWithdraw:
		return "Withdraw"
	case OpTypeBorrow:
		return "Borrow"
	case OpTypeRepay:
		return "Repay"
	case OpTypeLiquidate:
		return "Liquidate"
	case OpTypePriceUpdate:
		return "PriceUpdate"
	case OpTypeAddMarket:
		return "AddMarket"
	case OpTypePauseMarket:
		return "PauseMarket"
	case OpTypeResumeMarket:
		return "ResumeMarket"
	case OpTypeSetReserveFactor:
		return "SetReserveFactor"
	case OpTypeSetBorrowCap:
		return "SetBorrowCap"
	case OpTypeSetCloseFactor:
		return "SetCloseFactor"
	case OpTypeReduceReserves:
		return "ReduceReserves"
	case OpTypeLiquidationEligible:
		return "LiquidationEligible"
	default:
		return "Unknown"
	}
}
