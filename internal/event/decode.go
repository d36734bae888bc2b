package event

import (
	"encoding/json"
	"fmt"
)

// DecodeOperation reverses the envelope payload encoding (json.Marshal of
// the typed operation) during log replay. Outbound-only types have no
// payload to decode.
func DecodeOperation(opType string, payload []byte) (Operation, error) {
	var op Operation
	switch opType {
	case "Supply":
		op = &Supply{}
	case "Withdraw":
		op = &Withdraw{}
	case "Borrow":
		op = &Borrow{}
	case "Repay":
		op = &Repay{}
	case "Liquidate":
		op = &Liquidate{}
	case "PriceUpdate":
		op = &PriceUpdate{}
	case "AddMarket":
		op = &AddMarket{}
	case "PauseMarket":
		op = &PauseMarket{}
	case "ResumeMarket":
		op = &ResumeMarket{}
	case "SetReserveFactor":
		op = &SetReserveFactor{}
	case "SetBorrowCap":
		op = &SetBorrowCap{}
	case "SetCloseFactor":
		op = &SetCloseFactor{}
	case "ReduceReserves":
		op = &ReduceReserves{}
	default:
		return nil, fmt.Errorf("undecodable operation type %q", opType)
	}
	if err := json.Unmarshal(payload, op); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", opType, err)
	}
	return op, nil
}
