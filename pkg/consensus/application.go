package consensus

import (
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// Application is the state machine hook the engine drives: it verifies
// pending transactions before they enter a proposal, computes the
// deterministic state root over an ordered batch, applies finalized
// blocks, and reports the height it has applied up to so the engine
// can detect gaps.
type Application interface {
	VerifyTransaction(tx *txmodel.Transaction) error
	ComputeStateRoot(txs []*txmodel.Transaction) (types.StateRoot, error)
	OnBlockFinalized(fb types.FinalizedBlock, txs []*txmodel.Transaction) error
	CurrentHeight() uint64
}
