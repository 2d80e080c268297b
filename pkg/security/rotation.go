package security

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// KeyState is a signing key's lifecycle position.
type KeyState string

const (
	// KeyActive signs and verifies.
	KeyActive KeyState = "active"
	// KeyRotating verifies only, during the overlap window after a
	// rotation, so in-flight traffic signed by the outgoing key still
	// validates.
	KeyRotating KeyState = "rotating"
	// KeyDeprecated no longer verifies but is retained for audit.
	KeyDeprecated KeyState = "deprecated"
	// KeyRevoked was withdrawn for cause; never verifies again.
	KeyRevoked KeyState = "revoked"
)

// CanSign reports whether a key in this state may produce signatures.
func (s KeyState) CanSign() bool { return s == KeyActive }

// CanVerify reports whether signatures by a key in this state still
// validate.
func (s KeyState) CanVerify() bool { return s == KeyActive || s == KeyRotating }

// RotationPolicy bounds key age and the verify-only overlap window.
type RotationPolicy struct {
	MaxAge        time.Duration
	OverlapPeriod time.Duration
}

// DefaultRotationPolicy rotates keys at 90 days with a 7-day overlap.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxAge:        90 * 24 * time.Hour,
		OverlapPeriod: 7 * 24 * time.Hour,
	}
}

// KeyRecord is the tracked metadata for one validator signing key.
type KeyRecord struct {
	Owner     string // validator name
	PublicKey types.PublicKey
	State     KeyState
	Epoch     uint64 // epoch the key became effective
	CreatedAt time.Time
	RotatedAt *time.Time
}

// IsExpired reports whether the key outlived the policy's max age.
func (k *KeyRecord) IsExpired(policy RotationPolicy) bool {
	return time.Since(k.CreatedAt) > policy.MaxAge
}

// KeyManager tracks each validator's active key and the outgoing keys
// still inside their overlap window.
type KeyManager struct {
	policy RotationPolicy
	logger zerolog.Logger

	mu   sync.RWMutex
	keys map[string][]*KeyRecord // validator name -> newest first
}

// NewKeyManager creates a manager under the given policy.
func NewKeyManager(policy RotationPolicy) *KeyManager {
	return &KeyManager{
		policy: policy,
		logger: log.WithComponent("keymanager"),
		keys:   make(map[string][]*KeyRecord),
	}
}

// RegisterKey installs a validator's first active key.
func (m *KeyManager) RegisterKey(owner string, pubkey types.PublicKey, epoch uint64) (*KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keys[owner]) > 0 {
		return nil, gutserr.New(gutserr.AlreadyExists, "security.RegisterKey",
			owner+" already has a key; rotate instead")
	}
	rec := &KeyRecord{
		Owner:     owner,
		PublicKey: pubkey,
		State:     KeyActive,
		Epoch:     epoch,
		CreatedAt: time.Now(),
	}
	m.keys[owner] = []*KeyRecord{rec}
	return rec, nil
}

// RotateKey replaces owner's active key with newKey. The outgoing key
// moves to Rotating and keeps verifying until the overlap window
// closes, so a rotation never invalidates in-flight consensus traffic
// signed in the outgoing epoch.
func (m *KeyManager) RotateKey(owner string, newKey types.PublicKey, effectiveEpoch uint64) (*KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.keys[owner]
	if len(records) == 0 {
		return nil, gutserr.New(gutserr.NotFound, "security.RotateKey", owner+" has no registered key")
	}

	now := time.Now()
	for _, rec := range records {
		if rec.State == KeyActive {
			rec.State = KeyRotating
			rec.RotatedAt = &now
		}
	}

	rec := &KeyRecord{
		Owner:     owner,
		PublicKey: newKey,
		State:     KeyActive,
		Epoch:     effectiveEpoch,
		CreatedAt: now,
	}
	m.keys[owner] = append([]*KeyRecord{rec}, records...)

	m.logger.Info().
		Str("owner", owner).
		Uint64("epoch", effectiveEpoch).
		Dur("overlap", m.policy.OverlapPeriod).
		Msg("signing key rotated")
	return rec, nil
}

// RevokeKey withdraws a specific key for cause; it stops verifying
// immediately.
func (m *KeyManager) RevokeKey(owner string, pubkey types.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.keys[owner] {
		if string(rec.PublicKey) == string(pubkey) {
			rec.State = KeyRevoked
			m.logger.Warn().Str("owner", owner).Msg("signing key revoked")
			return nil
		}
	}
	return gutserr.New(gutserr.NotFound, "security.RevokeKey", "key not found for "+owner)
}

// ActiveKey returns owner's current signing key.
func (m *KeyManager) ActiveKey(owner string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.keys[owner] {
		if rec.State == KeyActive {
			return rec, nil
		}
	}
	return nil, gutserr.New(gutserr.NotFound, "security.ActiveKey", "no active key for "+owner)
}

// VerificationKeys returns every key of owner's that may still verify:
// the active key plus rotating keys inside their overlap window.
func (m *KeyManager) VerificationKeys(owner string) []types.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []types.PublicKey
	for _, rec := range m.keys[owner] {
		if !rec.State.CanVerify() {
			continue
		}
		if rec.State == KeyRotating && rec.RotatedAt != nil &&
			now.Sub(*rec.RotatedAt) > m.policy.OverlapPeriod {
			continue
		}
		out = append(out, rec.PublicKey)
	}
	return out
}

// CanVerifyWith reports whether sigKey is currently acceptable for
// verifying owner's signatures.
func (m *KeyManager) CanVerifyWith(owner string, sigKey types.PublicKey) bool {
	for _, k := range m.VerificationKeys(owner) {
		if string(k) == string(sigKey) {
			return true
		}
	}
	return false
}

// SweepOverlaps deprecates rotating keys whose overlap window closed,
// returning how many were deprecated.
func (m *KeyManager) SweepOverlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	deprecated := 0
	for _, records := range m.keys {
		for _, rec := range records {
			if rec.State == KeyRotating && rec.RotatedAt != nil &&
				now.Sub(*rec.RotatedAt) > m.policy.OverlapPeriod {
				rec.State = KeyDeprecated
				deprecated++
			}
		}
	}
	return deprecated
}

// ExpiredKeys lists owners whose active key outlived the policy's max
// age and is due rotation.
func (m *KeyManager) ExpiredKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for owner, records := range m.keys {
		for _, rec := range records {
			if rec.State == KeyActive && rec.IsExpired(m.policy) {
				out = append(out, owner)
				break
			}
		}
	}
	return out
}
