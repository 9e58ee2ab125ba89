package producer

import (
	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/types"
)

// UTXOAdapter bridges utxo.Set to tx.UTXOProvider for mempool admission:
// an outpoint is offered while it is Unspent or Locked. A second spend of a
// Locked input is refused later, when the pool locks its inputs.
type UTXOAdapter struct {
	set utxo.Set
}

// NewUTXOAdapter creates a UTXOProvider from a utxo.Set.
func NewUTXOAdapter(set utxo.Set) *UTXOAdapter {
	return &UTXOAdapter{set: set}
}

// GetUTXO returns the value and script for a given outpoint.
func (a *UTXOAdapter) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

// HasUTXO returns whether the outpoint is present and still spendable.
func (a *UTXOAdapter) HasUTXO(outpoint types.Outpoint) bool {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return false
	}
	if u.State != utxo.Unspent && u.State != utxo.Locked {
		log.Mempool.Debug().Str("outpoint", outpoint.String()).Str("state", u.State.String()).Msg("outpoint not spendable")
		return false
	}
	return true
}
