package txmodel

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// KeyPair is a signer's secp256k1 key, used to sign transactions and
// (in pkg/consensus) blocks. Signatures are fixed-width 64-byte
// Schnorr signatures, matching the wire format's "64-byte signatures"
// layout.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeyPair creates a fresh random signing key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "txmodel.GenerateKeyPair", "generate key", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the compressed (33-byte) public key.
func (k *KeyPair) PublicKey() types.PublicKey {
	return types.PublicKey(k.priv.PubKey().SerializeCompressed())
}

// Sign signs a transaction in place, setting Sig and SignerKey.
func (k *KeyPair) Sign(t *Transaction) error {
	t.SignerKey = k.PublicKey()
	digest := sha256.Sum256(t.CanonicalBytes())
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "txmodel.Sign", "sign transaction", err)
	}
	t.Sig = types.Signature(sig.Serialize())
	return nil
}

// SignBytes signs an arbitrary digest (used by pkg/consensus for block
// signatures, which cover a different header encoding).
func (k *KeyPair) SignBytes(digest [32]byte) (types.Signature, error) {
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "txmodel.SignBytes", "sign digest", err)
	}
	return types.Signature(sig.Serialize()), nil
}

// Verify checks t's signature under its embedded signer key over its
// canonical bytes (signature omitted, as required by the canonical
// encoding contract).
func Verify(t *Transaction) error {
	return VerifyBytes(t.SignerKey, t.Sig, sha256.Sum256(t.CanonicalBytes()))
}

// VerifyBytes checks an arbitrary (pubkey, signature, digest) triple.
func VerifyBytes(pubkey types.PublicKey, sig types.Signature, digest [32]byte) error {
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "txmodel.Verify", "parse public key", err)
	}

	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "txmodel.Verify", "parse signature", err)
	}

	if !parsed.Verify(digest[:], pk) {
		return gutserr.New(gutserr.PermissionDenied, "txmodel.Verify", fmt.Sprintf("signature verification failed for signer %s", pubkey))
	}
	return nil
}
