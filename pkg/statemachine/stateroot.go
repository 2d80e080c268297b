package statemachine

import (
	"crypto/sha256"

	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// chainRoot folds an ordered transaction batch into the running state
// root: SHA-256 over the previous root concatenated with the batch's
// Merkle root. Identical prior state plus an identical ordered batch
// yields the same root on every node, and any change to either side
// changes it.
func chainRoot(prev types.StateRoot, ids []types.TransactionID) (types.StateRoot, error) {
	txRoot, err := txmodel.MerkleRoot(ids)
	if err != nil {
		return types.StateRoot{}, err
	}

	h := sha256.New()
	h.Write(prev[:])
	h.Write(txRoot[:])

	var root types.StateRoot
	copy(root[:], h.Sum(nil))
	return root, nil
}
