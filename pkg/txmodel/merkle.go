package txmodel

import (
	"bytes"
	"crypto/sha256"

	"github.com/cbergoon/merkletree"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// txContent adapts a TransactionID to merkletree.Content so the block
// producer can compute a standard Merkle root over an ordered
// transaction batch for the block's tx_root field.
type txContent struct {
	id types.TransactionID
}

func (c txContent) CalculateHash() ([]byte, error) {
	h := sha256.Sum256(c.id[:])
	return h[:], nil
}

func (c txContent) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(txContent)
	if !ok {
		return false, nil
	}
	return bytes.Equal(c.id[:], o.id[:]), nil
}

// MerkleRoot computes the deterministic tx_root over an ordered list
// of transaction ids. An empty batch roots to the SHA-256 of the empty
// string, matching the "empty blocks allowed" liveness case.
func MerkleRoot(ids []types.TransactionID) (types.TxRoot, error) {
	if len(ids) == 0 {
		return types.TxRoot(sha256.Sum256(nil)), nil
	}

	contents := make([]merkletree.Content, len(ids))
	for i, id := range ids {
		contents[i] = txContent{id: id}
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return types.TxRoot{}, err
	}

	var root types.TxRoot
	copy(root[:], tree.MerkleRoot())
	return root, nil
}
