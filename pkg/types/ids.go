// Package types defines the data model shared across every component:
// object and transaction identifiers, collaboration and governance
// records, CI definitions, and consensus primitives. It has no
// behavior of its own beyond simple accessors and hex conversions;
// components import it to agree on wire-compatible shapes.
package types

import (
	"crypto/sha1" //nolint:gosec // content hash width, not used for security
	"encoding/hex"
	"fmt"
)

// ObjectID is the 20-byte content hash identifying a Git object.
type ObjectID [20]byte

// ZeroObjectID is the all-zero id, used as a sentinel "no parent" value.
var ZeroObjectID = ObjectID{}

// HashObject computes the object id for a (kind, data) pair: the
// SHA-1-width hash of kindTag ∥ data, per the object store's contract.
func HashObject(kindTag byte, data []byte) ObjectID {
	h := sha1.New() //nolint:gosec
	h.Write([]byte{kindTag})
	h.Write(data)
	var id ObjectID
	copy(id[:], h.Sum(nil))
	return id
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText renders the id as hex, so JSON carries readable ids.
func (id ObjectID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex-encoded id.
func (id *ObjectID) UnmarshalText(text []byte) error {
	parsed, err := ObjectIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether id is the all-zero sentinel.
func (id ObjectID) IsZero() bool {
	return id == ZeroObjectID
}

// ObjectIDFromHex parses a hex-encoded object id.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode object id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("object id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// TransactionID is the 32-byte SHA-256 of a transaction's canonical
// serialized form.
type TransactionID [32]byte

func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText renders the id as hex.
func (id TransactionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex-encoded id.
func (id *TransactionID) UnmarshalText(text []byte) error {
	parsed, err := TransactionIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether id is the all-zero sentinel.
func (id TransactionID) IsZero() bool {
	return id == TransactionID{}
}

// TransactionIDFromHex parses a hex-encoded transaction id.
func TransactionIDFromHex(s string) (TransactionID, error) {
	var id TransactionID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode transaction id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("transaction id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// BlockID is the 32-byte SHA-256 over a block's header fields.
type BlockID [32]byte

func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText renders the id as hex.
func (id BlockID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex-encoded id.
func (id *BlockID) UnmarshalText(text []byte) error {
	return decode32(string(text), (*[32]byte)(id), "block id")
}

// StateRoot is a 32-byte deterministic digest of applicable state at a
// block height.
type StateRoot [32]byte

func (r StateRoot) String() string {
	return hex.EncodeToString(r[:])
}

// MarshalText renders the root as hex.
func (r StateRoot) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a hex-encoded root.
func (r *StateRoot) UnmarshalText(text []byte) error {
	return decode32(string(text), (*[32]byte)(r), "state root")
}

// TxRoot is the Merkle root over a block's ordered transaction list.
type TxRoot [32]byte

func (r TxRoot) String() string {
	return hex.EncodeToString(r[:])
}

// MarshalText renders the root as hex.
func (r TxRoot) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a hex-encoded root.
func (r *TxRoot) UnmarshalText(text []byte) error {
	return decode32(string(text), (*[32]byte)(r), "tx root")
}

func decode32(s string, out *[32]byte, what string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("%s must be 32 bytes, got %d", what, len(b))
	}
	copy(out[:], b)
	return nil
}
