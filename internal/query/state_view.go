package query

import (
	"sync/atomic"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
	"LendLedger/internal/rates"
	"LendLedger/internal/risk"
)

// StateView serves reads from a consistent copy of the core's state. The
// orchestrator refreshes it from engine snapshots, so queries never touch
// the live structures the processing loop is mutating.
type StateView struct {
	model   *rates.Model
	current atomic.Pointer[viewState]
}

type viewState struct {
	sequence  int64
	stateHash [32]byte
	registry  *market.Registry
	accounts  *ledger.Accounts
	prices    *oracle.Table
	health    *risk.Calculator
}

func NewStateView(model *rates.Model) *StateView {
	return &StateView{model: model.Clone()}
}

// Update rebuilds the view from a fresh engine snapshot.
func (v *StateView) Update(state core.SnapshotState) {
	registry := market.NewRegistry(v.model.Clone())
	for _, m := range state.Markets {
		registry.Restore(m.Clone())
	}

	accounts := ledger.NewAccounts()
	for _, a := range state.Accounts {
		accounts.Install(a.Clone())
	}

	prices := oracle.NewTable()
	prices.Restore(state.Prices)

	vs := &viewState{
		sequence:  state.Sequence,
		stateHash: state.StateHash,
		registry:  registry,
		accounts:  accounts,
		prices:    prices,
		health:    risk.NewCalculator(registry, accounts, prices),
	}
	v.current.Store(vs)
}

// Ready reports whether at least one snapshot has been installed.
func (v *StateView) Ready() bool {
	return v.current.Load() != nil
}

func (v *StateView) load() *viewState {
	return v.current.Load()
}
