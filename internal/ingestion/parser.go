package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"LendLedger/internal/event"
)

// OpTypeFromSubject maps a NATS subject to an operation type name. The
// third token of admin subjects carries the admin kind, e.g.
// lend.admin.add_market.
func OpTypeFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 || parts[0] != "lend" {
		return "", fmt.Errorf("unrecognized subject: %s", subject)
	}
	switch parts[1] {
	case "supply":
		return "Supply", nil
	case "withdraw":
		return "Withdraw", nil
	case "borrow":
		return "Borrow", nil
	case "repay":
		return "Repay", nil
	case "liquidate":
		return "Liquidate", nil
	case "prices":
		return "PriceUpdate", nil
	case "admin":
		if len(parts) < 3 {
			return "", fmt.Errorf("admin subject missing kind: %s", subject)
		}
		switch parts[2] {
		case "add_market":
			return "AddMarket", nil
		case "pause_market":
			return "PauseMarket", nil
		case "resume_market":
			return "ResumeMarket", nil
		case "set_reserve_factor":
			return "SetReserveFactor", nil
		case "set_borrow_cap":
			return "SetBorrowCap", nil
		case "set_close_factor":
			return "SetCloseFactor", nil
		case "reduce_reserves":
			return "ReduceReserves", nil
		}
		return "", fmt.Errorf("unknown admin kind: %s", parts[2])
	}
	return "", fmt.Errorf("unrecognized subject: %s", subject)
}

// ParseRawOperation converts raw JSON bytes plus an operation type name
// into a typed event.Operation. The ingestion shell validates and parses
// before anything reaches the deterministic core.
func ParseRawOperation(data []byte, opType string) (event.Operation, error) {
	switch opType {
	case "Supply":
		return parseSupply(data)
	case "Withdraw":
		return parseWithdraw(data)
	case "Borrow":
		return parseBorrow(data)
	case "Repay":
		return parseRepay(data)
	case "Liquidate":
		return parseLiquidate(data)
	case "PriceUpdate":
		return parsePriceUpdate(data)
	case "AddMarket":
		return parseAddMarket(data)
	case "PauseMarket":
		return parsePauseMarket(data)
	case "ResumeMarket":
		return parseResumeMarket(data)
	case "SetReserveFactor":
		return parseSetReserveFactor(data)
	case "SetBorrowCap":
		return parseSetBorrowCap(data)
	case "SetCloseFactor":
		return parseSetCloseFactor(data)
	case "ReduceReserves":
		return parseReduceReserves(data)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Token amounts
// are decimal strings in base units (1e18 = one token); risk fractions
// are human-readable decimals like "0.75".

var wadScale = decimal.New(1, 18)

// parseAmount parses a positive base-unit integer string.
func parseAmount(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not an integer: %q", field, s)
	}
	return v, nil
}

// parseFraction parses a decimal fraction string like "0.75" into a
// WAD-scaled big.Int. Precision beyond 18 places is rejected rather than
// silently truncated.
func parseFraction(s, field string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	scaled := d.Mul(wadScale)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("parse %s: more than 18 decimal places: %q", field, s)
	}
	return scaled.BigInt(), nil
}

type balanceOpJSON struct {
	OpID     string `json:"op_id"`
	UserID   string `json:"user_id"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Block    uint64 `json:"block"`
	Sequence int64  `json:"sequence"`
}

func (j *balanceOpJSON) parse() (uuid.UUID, uuid.UUID, *big.Int, error) {
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("parse op_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("parse user_id: %w", err)
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, err
	}
	return opID, userID, amount, nil
}

func parseSupply(data []byte) (*event.Supply, error) {
	var j balanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Supply: %w", err)
	}
	opID, userID, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.Supply{
		OpID:     opID,
		UserID:   userID,
		Asset:    j.Asset,
		Amount:   amount,
		Block:    j.Block,
		Sequence: j.Sequence,
	}, nil
}

func parseWithdraw(data []byte) (*event.Withdraw, error) {
	var j balanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	opID, userID, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.Withdraw{
		OpID:     opID,
		UserID:   userID,
		Asset:    j.Asset,
		Amount:   amount,
		Block:    j.Block,
		Sequence: j.Sequence,
	}, nil
}

func parseBorrow(data []byte) (*event.Borrow, error) {
	var j balanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	opID, userID, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.Borrow{
		OpID:     opID,
		UserID:   userID,
		Asset:    j.Asset,
		Amount:   amount,
		Block:    j.Block,
		Sequence: j.Sequence,
	}, nil
}

func parseRepay(data []byte) (*event.Repay, error) {
	var j balanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	opID, userID, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.Repay{
		OpID:     opID,
		UserID:   userID,
		Asset:    j.Asset,
		Amount:   amount,
		Block:    j.Block,
		Sequence: j.Sequence,
	}, nil
}

type liquidateJSON struct {
	OpID            string `json:"op_id"`
	LiquidatorID    string `json:"liquidator_id"`
	BorrowerID      string `json:"borrower_id"`
	RepayAsset      string `json:"repay_asset"`
	RepayAmount     string `json:"repay_amount"`
	CollateralAsset string `json:"collateral_asset"`
	Block           uint64 `json:"block"`
	Sequence        int64  `json:"sequence"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	liquidatorID, err := uuid.Parse(j.LiquidatorID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator_id: %w", err)
	}
	borrowerID, err := uuid.Parse(j.BorrowerID)
	if err != nil {
		return nil, fmt.Errorf("parse borrower_id: %w", err)
	}
	repayAmount, err := parseAmount(j.RepayAmount, "repay_amount")
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		OpID:            opID,
		LiquidatorID:    liquidatorID,
		BorrowerID:      borrowerID,
		RepayAsset:      j.RepayAsset,
		RepayAmount:     repayAmount,
		CollateralAsset: j.CollateralAsset,
		Block:           j.Block,
		Sequence:        j.Sequence,
	}, nil
}

type priceUpdateJSON struct {
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	Block         uint64 `json:"block"`
	PriceSequence int64  `json:"price_sequence"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount(j.Price, "price")
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Asset:         j.Asset,
		Price:         price,
		Block:         j.Block,
		PriceSequence: j.PriceSequence,
	}, nil
}

type addMarketJSON struct {
	OpID                 string `json:"op_id"`
	Asset                string `json:"asset"`
	ReserveFactor        string `json:"reserve_factor"`
	CollateralFactor     string `json:"collateral_factor"`
	LiquidationThreshold string `json:"liquidation_threshold"`
	LiquidationBonus     string `json:"liquidation_bonus"`
	Block                uint64 `json:"block"`
	Sequence             int64  `json:"sequence"`
}

func parseAddMarket(data []byte) (*event.AddMarket, error) {
	var j addMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddMarket: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	reserveFactor, err := parseFraction(j.ReserveFactor, "reserve_factor")
	if err != nil {
		return nil, err
	}
	collateralFactor, err := parseFraction(j.CollateralFactor, "collateral_factor")
	if err != nil {
		return nil, err
	}
	liqThreshold, err := parseFraction(j.LiquidationThreshold, "liquidation_threshold")
	if err != nil {
		return nil, err
	}
	liqBonus, err := parseFraction(j.LiquidationBonus, "liquidation_bonus")
	if err != nil {
		return nil, err
	}
	return &event.AddMarket{
		OpID:                 opID,
		Asset:                j.Asset,
		ReserveFactor:        reserveFactor,
		CollateralFactor:     collateralFactor,
		LiquidationThreshold: liqThreshold,
		LiquidationBonus:     liqBonus,
		Block:                j.Block,
		Sequence:             j.Sequence,
	}, nil
}

type marketAdminJSON struct {
	OpID     string `json:"op_id"`
	Asset    string `json:"asset"`
	Block    uint64 `json:"block"`
	Sequence int64  `json:"sequence"`
}

func parsePauseMarket(data []byte) (*event.PauseMarket, error) {
	var j marketAdminJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PauseMarket: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	return &event.PauseMarket{
		OpID:     opID,
		Asset:    j.Asset,
		Block:    j.Block,
		Sequence: j.Sequence,
	}, nil
}

func parseResumeMarket(data []byte) (*event.ResumeMarket, error) {
	var j marketAdminJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResumeMarket: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	return &event.ResumeMarket{
		OpID:     opID,
		Asset:    j.Asset,
		Block:    j.Block,
		Sequence: j.Sequence,
	}, nil
}

type setReserveFactorJSON struct {
	OpID          string `json:"op_id"`
	Asset         string `json:"asset"`
	ReserveFactor string `json:"reserve_factor"`
	Block         uint64 `json:"block"`
	Sequence      int64  `json:"sequence"`
}

func parseSetReserveFactor(data []byte) (*event.SetReserveFactor, error) {
	var j setReserveFactorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetReserveFactor: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	reserveFactor, err := parseFraction(j.ReserveFactor, "reserve_factor")
	if err != nil {
		return nil, err
	}
	return &event.SetReserveFactor{
		OpID:          opID,
		Asset:         j.Asset,
		ReserveFactor: reserveFactor,
		Block:         j.Block,
		Sequence:      j.Sequence,
	}, nil
}

type setBorrowCapJSON struct {
	OpID      string `json:"op_id"`
	Asset     string `json:"asset"`
	BorrowCap string `json:"borrow_cap"`
	Block     uint64 `json:"block"`
	Sequence  int64  `json:"sequence"`
}

func parseSetBorrowCap(data []byte) (*event.SetBorrowCap, error) {
	var j setBorrowCapJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetBorrowCap: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	borrowCap, err := parseAmount(j.BorrowCap, "borrow_cap")
	if err != nil {
		return nil, err
	}
	return &event.SetBorrowCap{
		OpID:      opID,
		Asset:     j.Asset,
		BorrowCap: borrowCap,
		Block:     j.Block,
		Sequence:  j.Sequence,
	}, nil
}

type setCloseFactorJSON struct {
	OpID        string `json:"op_id"`
	CloseFactor string `json:"close_factor"`
	Block       uint64 `json:"block"`
	Sequence    int64  `json:"sequence"`
}

func parseSetCloseFactor(data []byte) (*event.SetCloseFactor, error) {
	var j setCloseFactorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetCloseFactor: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	closeFactor, err := parseFraction(j.CloseFactor, "close_factor")
	if err != nil {
		return nil, err
	}
	return &event.SetCloseFactor{
		OpID:        opID,
		CloseFactor: closeFactor,
		Block:       j.Block,
		Sequence:    j.Sequence,
	}, nil
}

type reduceReservesJSON struct {
	OpID        string `json:"op_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	RecipientID string `json:"recipient_id"`
	Block       uint64 `json:"block"`
	Sequence    int64  `json:"sequence"`
}

func parseReduceReserves(data []byte) (*event.ReduceReserves, error) {
	var j reduceReservesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReduceReserves: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	recipientID, err := uuid.Parse(j.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("parse recipient_id: %w", err)
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.ReduceReserves{
		OpID:        opID,
		Asset:       j.Asset,
		Amount:      amount,
		RecipientID: recipientID,
		Block:       j.Block,
		Sequence:    j.Sequence,
	}, nil
}
