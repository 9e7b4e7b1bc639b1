// Package registry tracks signer key entries, rotation, and revocation, and
// answers the single question every verification step depends on: was this
// key valid for this signer at this signing time. It is built fresh from
// governance events on every verification call (see package governance) —
// it is never a global.
package registry

import (
	"sync"
	"time"

	"github.com/nooterra/nooterra-sub010/canonical"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
)

// Decision is the outcome of ValidateAt.
type Decision string

const (
	Ok                    Decision = "ok"
	SignerUnknown         Decision = "SIGNER_UNKNOWN"
	SignerRotated         Decision = "SIGNER_ROTATED"
	SignerRevoked         Decision = "SIGNER_REVOKED"
	SigningTimeUnprovable Decision = "SIGNING_TIME_UNPROVABLE"
	SignerNotYetValid     Decision = "SIGNER_NOT_YET_VALID"
)

// KeyEntry is a registered signer key.
type KeyEntry struct {
	TenantID       string
	KeyID          string
	PublicKeyPEM   []byte
	ValidFrom      time.Time
	ServerGoverned bool
}

// RotationRecord records that oldKeyId was retired in favor of newKeyId.
// Scope is an opaque, optionally-empty string the embedder may use to limit
// a rotation to a tenant or stream id; the registry stores and returns it
// without interpreting it.
type RotationRecord struct {
	OldKeyID  string
	NewKeyID  string
	RotatedAt time.Time
	Reason    string
	Scope     string
}

// RevocationRecord records that keyId stopped being valid at RevokedAt.
type RevocationRecord struct {
	KeyID     string
	RevokedAt time.Time
	Reason    string
	Scope     string
}

// TimestampProof is a signature by a trusted time-authority key binding a
// claimed signing instant to a provable one, used when the signing key was
// later revoked. The signed material is canonical({"signerKeyId",
// "signingTime"}) — see timestampProofMaterial.
type TimestampProof struct {
	SignedAt           time.Time
	TimeAuthorityKeyID string
	Signature          []byte
}

// ErrConflictingKey is returned by Register when keyId is already registered
// under a different public key.
type ErrConflictingKey struct{ KeyID string }

func (e *ErrConflictingKey) Error() string {
	return "registry: conflicting key for keyId " + e.KeyID
}

// ErrUnknownKey is returned by RecordRotation/RecordRevocation when a
// referenced keyId has never been registered.
type ErrUnknownKey struct{ KeyID string }

func (e *ErrUnknownKey) Error() string {
	return "registry: unknown keyId " + e.KeyID
}

// ErrNonMonotonicRotation is returned by RecordRotation when rotatedAt is not
// strictly greater than the previous rotation recorded for oldKeyId.
type ErrNonMonotonicRotation struct{ KeyID string }

func (e *ErrNonMonotonicRotation) Error() string {
	return "registry: rotation for keyId " + e.KeyID + " is not monotonically increasing"
}

// ErrAlreadyRevoked is returned by RecordRevocation when keyId already has an
// active revocation — at most one is permitted per keyId.
type ErrAlreadyRevoked struct{ KeyID string }

func (e *ErrAlreadyRevoked) Error() string {
	return "registry: keyId " + e.KeyID + " already revoked"
}

// Registry is an in-memory, concurrency-safe projection of the governance
// stream: signer key entries, rotation pointers, revocation entries, and the
// trusted time-authority keys used to validate timestamp proofs.
type Registry struct {
	mu            sync.RWMutex
	keys          map[string]KeyEntry
	rotations     map[string]RotationRecord // keyed by oldKeyId, earliest rotation only
	revocations   map[string]RevocationRecord
	timeAuthority map[string][]byte // keyId -> PEM
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		keys:          make(map[string]KeyEntry),
		rotations:     make(map[string]RotationRecord),
		revocations:   make(map[string]RevocationRecord),
		timeAuthority: make(map[string][]byte),
	}
}

// Register adds keyEntry to the registry. Registration is idempotent by
// keyId: registering the same keyId with the same public key twice is a
// no-op. Registering an existing keyId with a different public key returns
// *ErrConflictingKey.
func (r *Registry) Register(entry KeyEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.keys[entry.KeyID]
	if ok {
		if string(existing.PublicKeyPEM) != string(entry.PublicKeyPEM) {
			return &ErrConflictingKey{KeyID: entry.KeyID}
		}
		return nil
	}
	r.keys[entry.KeyID] = entry
	return nil
}

// RegisterTimeAuthorityKey trusts keyId as a time authority for verifying
// TimestampProof values.
func (r *Registry) RegisterTimeAuthorityKey(keyID string, publicKeyPEM []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeAuthority[keyID] = publicKeyPEM
}

// RecordRotation retires oldKeyId in favor of newKeyId at rotatedAt. Both
// keys must already be registered; rotatedAt must be strictly greater than
// any prior rotation recorded for oldKeyId.
func (r *Registry) RecordRotation(rec RotationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[rec.OldKeyID]; !ok {
		return &ErrUnknownKey{KeyID: rec.OldKeyID}
	}
	if _, ok := r.keys[rec.NewKeyID]; !ok {
		return &ErrUnknownKey{KeyID: rec.NewKeyID}
	}
	if prev, ok := r.rotations[rec.OldKeyID]; ok {
		if !rec.RotatedAt.After(prev.RotatedAt) {
			return &ErrNonMonotonicRotation{KeyID: rec.OldKeyID}
		}
		// The earliest rotation is the one that actually retires the key;
		// keep it rather than overwrite, but still accept later re-rotation
		// records that pass the monotonicity check (audit trail only).
		return nil
	}
	r.rotations[rec.OldKeyID] = rec
	return nil
}

// RecordRevocation revokes keyId at revokedAt. At most one active revocation
// is permitted per keyId.
func (r *Registry) RecordRevocation(rec RevocationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[rec.KeyID]; !ok {
		return &ErrUnknownKey{KeyID: rec.KeyID}
	}
	if _, ok := r.revocations[rec.KeyID]; ok {
		return &ErrAlreadyRevoked{KeyID: rec.KeyID}
	}
	r.revocations[rec.KeyID] = rec
	return nil
}

// List returns every registered key entry. Order is unspecified; callers
// that need determinism (e.g. rendering keys/public_keys.json) must sort.
func (r *Registry) List() []KeyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyEntry, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	return out
}

// Lookup returns the registered entry for keyId, if any.
func (r *Registry) Lookup(keyID string) (KeyEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[keyID]
	return e, ok
}

// ValidateAt implements spec.md §4.3's decision table: resolve keyId at
// decision time signingTime, optionally strengthened by a timestamp proof
// for a key that was later revoked. strict controls only whether a
// not-yet-valid key reports SIGNER_NOT_YET_VALID (strict) or the more
// conservative SIGNING_TIME_UNPROVABLE (non-strict).
func (r *Registry) ValidateAt(keyID string, signingTime time.Time, proof *TimestampProof, strict bool) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.keys[keyID]
	if !ok {
		return SignerUnknown
	}

	if signingTime.Before(entry.ValidFrom) {
		if strict {
			return SignerNotYetValid
		}
		return SigningTimeUnprovable
	}

	if rot, ok := r.rotations[keyID]; ok && !signingTime.Before(rot.RotatedAt) {
		return SignerRotated
	}

	if rev, ok := r.revocations[keyID]; ok {
		if signingTime.Before(rev.RevokedAt) {
			if proof == nil {
				return SigningTimeUnprovable
			}
			if !r.verifyTimestampProofLocked(keyID, signingTime, proof) {
				return SigningTimeUnprovable
			}
			return Ok
		}
		return SignerRevoked
	}

	return Ok
}

// timestampProofMaterial returns the canonical value a timestamp proof's
// signature is computed over, binding the proof to the specific signer key
// and claimed signing instant it vouches for.
func timestampProofMaterial(keyID string, signingTime time.Time) map[string]interface{} {
	return map[string]interface{}{
		"signerKeyId": keyID,
		"signingTime": signingTime.UTC().Format(time.RFC3339Nano),
	}
}

func (r *Registry) verifyTimestampProofLocked(keyID string, signingTime time.Time, proof *TimestampProof) bool {
	authorityPEM, ok := r.timeAuthority[proof.TimeAuthorityKeyID]
	if !ok {
		return false
	}
	pub, err := cryptoutil.ParsePublicKeyPEM(authorityPEM)
	if err != nil {
		return false
	}
	material := timestampProofMaterial(keyID, signingTime)
	canon, err := canonical.Marshal(material)
	if err != nil {
		return false
	}
	return cryptoutil.VerifyEd25519(pub, canon, proof.Signature)
}
