// Package governance implements spec.md §4.5: the governance stream, a
// specialized event chain whose projection yields the signer registry, and
// the snapshot that binds a bundle to a specific governance head.
package governance

import (
	"fmt"
	"time"

	"github.com/nooterra/nooterra-sub010/eventchain"
	"github.com/nooterra/nooterra-sub010/registry"
)

// StreamID is the well-known stream id the governance event chain uses.
const StreamID = "governance"

// Recognized governance event types.
const (
	EventSignerKeyRegistered     = "SERVER_SIGNER_KEY_REGISTERED"
	EventSignerKeyRotated        = "SERVER_SIGNER_KEY_ROTATED"
	EventSignerKeyRevoked        = "SERVER_SIGNER_KEY_REVOKED"
	EventTimeAuthorityRegistered = "TIME_AUTHORITY_KEY_REGISTERED"
)

// Snapshot points at a concrete envelope in the governance stream, binding
// a bundle to the registry state that envelope's projection produces.
type Snapshot struct {
	StreamID      string
	LastEventID   string
	LastChainHash string
}

// CanonicalValue is the shape written to governance/snapshot.json.
func (s Snapshot) CanonicalValue() map[string]interface{} {
	return map[string]interface{}{
		"streamId":      s.StreamID,
		"lastEventId":   s.LastEventID,
		"lastChainHash": s.LastChainHash,
	}
}

// BuildSnapshot returns the snapshot for the current tail of a governance
// event slice (in append order). The slice must not be empty.
func BuildSnapshot(events []*eventchain.Envelope) (Snapshot, error) {
	if len(events) == 0 {
		return Snapshot{}, fmt.Errorf("governance: cannot snapshot an empty event stream")
	}
	tail := events[len(events)-1]
	return Snapshot{
		StreamID:      tail.StreamID,
		LastEventID:   tail.ID,
		LastChainHash: tail.ChainHash,
	}, nil
}

// VerifySnapshot reports whether snap matches the recomputed tail of events.
func VerifySnapshot(snap Snapshot, events []*eventchain.Envelope) error {
	want, err := BuildSnapshot(events)
	if err != nil {
		return err
	}
	if want.StreamID != snap.StreamID || want.LastEventID != snap.LastEventID || want.LastChainHash != snap.LastChainHash {
		return fmt.Errorf("GOVERNANCE_SNAPSHOT_MISMATCH: got {%s,%s,%s} want {%s,%s,%s}",
			snap.StreamID, snap.LastEventID, snap.LastChainHash,
			want.StreamID, want.LastEventID, want.LastChainHash)
	}
	return nil
}

// Project replays governance events into a fresh signer registry. The
// registry in package registry is always a projection of this stream — it
// is never a global; every verification call builds one from scratch.
func Project(events []*eventchain.Envelope) (*registry.Registry, error) {
	reg := registry.New()
	for _, env := range events {
		payload, ok := env.Payload.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("governance: envelope %s has non-mapping payload", env.ID)
		}
		if err := applyEvent(reg, env.Type, payload); err != nil {
			return nil, fmt.Errorf("governance: envelope %s: %w", env.ID, err)
		}
	}
	return reg, nil
}

func applyEvent(reg *registry.Registry, eventType string, payload map[string]interface{}) error {
	switch eventType {
	case EventSignerKeyRegistered:
		keyID, err := requireString(payload, "keyId")
		if err != nil {
			return err
		}
		pubKeyPEM, err := requireString(payload, "publicKeyPem")
		if err != nil {
			return err
		}
		validFrom, err := requireTime(payload, "validFrom")
		if err != nil {
			return err
		}
		tenantID, _ := payload["tenantId"].(string)
		serverGoverned, _ := payload["serverGoverned"].(bool)

		return reg.Register(registry.KeyEntry{
			TenantID:       tenantID,
			KeyID:          keyID,
			PublicKeyPEM:   []byte(pubKeyPEM),
			ValidFrom:      validFrom,
			ServerGoverned: serverGoverned,
		})

	case EventSignerKeyRotated:
		oldKeyID, err := requireString(payload, "oldKeyId")
		if err != nil {
			return err
		}
		newKeyID, err := requireString(payload, "newKeyId")
		if err != nil {
			return err
		}
		rotatedAt, err := requireTime(payload, "rotatedAt")
		if err != nil {
			return err
		}
		reason, _ := payload["reason"].(string)
		scope, _ := payload["scope"].(string)

		return reg.RecordRotation(registry.RotationRecord{
			OldKeyID:  oldKeyID,
			NewKeyID:  newKeyID,
			RotatedAt: rotatedAt,
			Reason:    reason,
			Scope:     scope,
		})

	case EventSignerKeyRevoked:
		keyID, err := requireString(payload, "keyId")
		if err != nil {
			return err
		}
		revokedAt, err := requireTime(payload, "revokedAt")
		if err != nil {
			return err
		}
		reason, _ := payload["reason"].(string)
		scope, _ := payload["scope"].(string)

		return reg.RecordRevocation(registry.RevocationRecord{
			KeyID:     keyID,
			RevokedAt: revokedAt,
			Reason:    reason,
			Scope:     scope,
		})

	case EventTimeAuthorityRegistered:
		keyID, err := requireString(payload, "keyId")
		if err != nil {
			return err
		}
		pubKeyPEM, err := requireString(payload, "publicKeyPem")
		if err != nil {
			return err
		}
		reg.RegisterTimeAuthorityKey(keyID, []byte(pubKeyPEM))
		return nil

	default:
		// Unrecognized governance event types are preserved on the chain but
		// do not mutate the registry projection.
		return nil
	}
}

func requireString(payload map[string]interface{}, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or non-string field %q", key)
	}
	return v, nil
}

func requireTime(payload map[string]interface{}, key string) (time.Time, error) {
	s, err := requireString(payload, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %q is not RFC3339: %w", key, err)
	}
	return t, nil
}
