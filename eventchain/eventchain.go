// Package eventchain maintains, per streamId, an append-only ordered
// sequence of signed envelopes with unbroken hash continuity. It implements
// spec.md §4.4: payload hashing, chain hashing, signing, and the
// corresponding recompute-and-verify path used by the bundle verifier.
package eventchain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/nooterra-sub010/canonical"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
	"github.com/nooterra/nooterra-sub010/registry"
)

// ErrChainDiscontinuity is returned when an envelope's prevChainHash does not
// equal the chainHash of the envelope before it on the same stream.
var ErrChainDiscontinuity = errors.New("eventchain: chain discontinuity")

// ErrPayloadHashMismatch is returned when a recomputed payloadHash does not
// match the stored one.
var ErrPayloadHashMismatch = errors.New("eventchain: payload hash mismatch")

// ErrChainHashMismatch is returned when a recomputed chainHash does not match
// the stored one.
var ErrChainHashMismatch = errors.New("eventchain: chain hash mismatch")

// ErrSignatureInvalid is returned when an envelope's signature does not
// verify against the signer key resolved through the registry.
var ErrSignatureInvalid = errors.New("eventchain: signature invalid")

// Signer produces signatures attributed to a specific registered key. It is
// the minimal interface eventchain.Append needs; local Ed25519 signers and
// remote KMS-backed signers (package kms) both implement it.
type Signer interface {
	KeyID() string
	Sign(data []byte) ([]byte, error)
}

// NewEnvelopeID returns a freshly generated envelope id.
func NewEnvelopeID() string {
	return uuid.New().String()
}

// Envelope is a single finalized, signed event on a stream. It is the typed
// record spec.md's design notes call for: a domain value with a
// CanonicalValue method producing the exact shape that gets hashed and
// written to events.jsonl.
type Envelope struct {
	V             int
	ID            string
	StreamID      string
	Type          string
	At            time.Time
	Actor         string
	Payload       interface{}
	PayloadHash   string
	PrevChainHash *string // nil for the genesis envelope on a stream
	ChainHash     string
	Signature     []byte
	SignerKeyID   string
}

// PayloadMaterial is the exact value payloadHash is computed over:
// {v,id,at,streamId,type,actor,payload}.
func (e *Envelope) PayloadMaterial() map[string]interface{} {
	return map[string]interface{}{
		"v":        e.V,
		"id":       e.ID,
		"at":       formatTime(e.At),
		"streamId": e.StreamID,
		"type":     e.Type,
		"actor":    e.Actor,
		"payload":  e.Payload,
	}
}

// CanonicalValue is the full on-disk representation of the envelope, as
// written (one per line) to events/events.jsonl.
func (e *Envelope) CanonicalValue() map[string]interface{} {
	var prev interface{}
	if e.PrevChainHash != nil {
		prev = *e.PrevChainHash
	}
	return map[string]interface{}{
		"v":             e.V,
		"id":            e.ID,
		"streamId":      e.StreamID,
		"type":          e.Type,
		"at":            formatTime(e.At),
		"actor":         e.Actor,
		"payload":       e.Payload,
		"payloadHash":   e.PayloadHash,
		"prevChainHash": prev,
		"chainHash":     e.ChainHash,
		"signature":     signatureToValue(e.Signature),
		"signerKeyId":   e.SignerKeyID,
	}
}

func signatureToValue(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// signedMaterial is the value signature is computed over: canonical
// {chainHash, signerKeyId}.
func signedMaterial(chainHash, signerKeyID string) map[string]interface{} {
	return map[string]interface{}{
		"chainHash":   chainHash,
		"signerKeyId": signerKeyID,
	}
}

// chainHashMaterial is the value chainHash is computed over: canonical
// {prevChainHash, payloadHash}.
func chainHashMaterial(prevChainHash *string, payloadHash string) map[string]interface{} {
	var prev interface{}
	if prevChainHash != nil {
		prev = *prevChainHash
	}
	return map[string]interface{}{
		"prevChainHash": prev,
		"payloadHash":   payloadHash,
	}
}

// AppendRequest describes a new event to finalize and append to a stream.
type AppendRequest struct {
	ID      string // optional; generated via NewEnvelopeID if empty
	Type    string
	At      time.Time
	Actor   string
	Payload interface{}
}

// Chain is a single stream's append-only envelope sequence.
type Chain struct {
	streamID  string
	envelopes []*Envelope
}

// NewChain returns an empty chain for streamID.
func NewChain(streamID string) *Chain {
	return &Chain{streamID: streamID}
}

// StreamID returns the stream this chain belongs to.
func (c *Chain) StreamID() string { return c.streamID }

// Envelopes returns the chain's envelopes in append order. The returned
// slice must not be mutated by the caller.
func (c *Chain) Envelopes() []*Envelope { return c.envelopes }

// HeadChainHash returns the chainHash of the most recently appended
// envelope, or "" if the chain is empty.
func (c *Chain) HeadChainHash() string {
	if len(c.envelopes) == 0 {
		return ""
	}
	return c.envelopes[len(c.envelopes)-1].ChainHash
}

// Append implements spec.md §4.4's envelope lifecycle steps 1-6: build
// payloadMaterial, hash it, chain it to the current head, sign it, and
// append the finalized envelope.
func (c *Chain) Append(req AppendRequest, signer Signer) (*Envelope, error) {
	id := req.ID
	if id == "" {
		id = NewEnvelopeID()
	}

	env := &Envelope{
		V:        1,
		ID:       id,
		StreamID: c.streamID,
		Type:     req.Type,
		At:       req.At,
		Actor:    req.Actor,
		Payload:  req.Payload,
	}

	payloadCanon, err := canonical.Marshal(env.PayloadMaterial())
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload material: %w", err)
	}
	env.PayloadHash = cryptoutil.SHA256Hex(payloadCanon)

	var prev *string
	if len(c.envelopes) > 0 {
		head := c.envelopes[len(c.envelopes)-1].ChainHash
		prev = &head
	}
	env.PrevChainHash = prev

	chainCanon, err := canonical.Marshal(chainHashMaterial(env.PrevChainHash, env.PayloadHash))
	if err != nil {
		return nil, fmt.Errorf("canonicalize chain hash material: %w", err)
	}
	env.ChainHash = cryptoutil.SHA256Hex(chainCanon)
	env.SignerKeyID = signer.KeyID()

	signCanon, err := canonical.Marshal(signedMaterial(env.ChainHash, env.SignerKeyID))
	if err != nil {
		return nil, fmt.Errorf("canonicalize signed material: %w", err)
	}
	sig, err := signer.Sign(signCanon)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	env.Signature = sig

	c.envelopes = append(c.envelopes, env)
	return env, nil
}

// VerifyEnvelope recomputes payloadHash and chainHash from env's own fields,
// checks prevChainHash continuity against prevChainHashOnDisk (the chainHash
// of the preceding envelope on this stream, or "" for genesis), and verifies
// the signature against the key the registry resolves for signerKeyId at
// signing time env.At.
func VerifyEnvelope(env *Envelope, prevChainHashOnDisk string, reg *registry.Registry, proof *registry.TimestampProof, strict bool) error {
	payloadCanon, err := canonical.Marshal(env.PayloadMaterial())
	if err != nil {
		return fmt.Errorf("canonicalize payload material: %w", err)
	}
	wantPayloadHash := cryptoutil.SHA256Hex(payloadCanon)
	if wantPayloadHash != env.PayloadHash {
		return fmt.Errorf("%w: envelope %s: got %s want %s", ErrPayloadHashMismatch, env.ID, env.PayloadHash, wantPayloadHash)
	}

	var gotPrev string
	if env.PrevChainHash != nil {
		gotPrev = *env.PrevChainHash
	}
	if gotPrev != prevChainHashOnDisk {
		return fmt.Errorf("%w: envelope %s: prevChainHash %q does not match predecessor %q", ErrChainDiscontinuity, env.ID, gotPrev, prevChainHashOnDisk)
	}

	chainCanon, err := canonical.Marshal(chainHashMaterial(env.PrevChainHash, env.PayloadHash))
	if err != nil {
		return fmt.Errorf("canonicalize chain hash material: %w", err)
	}
	wantChainHash := cryptoutil.SHA256Hex(chainCanon)
	if wantChainHash != env.ChainHash {
		return fmt.Errorf("%w: envelope %s: got %s want %s", ErrChainHashMismatch, env.ID, env.ChainHash, wantChainHash)
	}

	entry, ok := reg.Lookup(env.SignerKeyID)
	if !ok {
		return fmt.Errorf("eventchain: envelope %s: %s", env.ID, registry.SignerUnknown)
	}
	pub, err := cryptoutil.ParsePublicKeyPEM(entry.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("eventchain: envelope %s: parse signer public key: %w", env.ID, err)
	}
	signCanon, err := canonical.Marshal(signedMaterial(env.ChainHash, env.SignerKeyID))
	if err != nil {
		return fmt.Errorf("canonicalize signed material: %w", err)
	}
	if !cryptoutil.VerifyEd25519(pub, signCanon, env.Signature) {
		return fmt.Errorf("%w: envelope %s", ErrSignatureInvalid, env.ID)
	}

	decision := reg.ValidateAt(env.SignerKeyID, env.At, proof, strict)
	if decision != registry.Ok {
		return fmt.Errorf("eventchain: envelope %s: signer validation failed: %s", env.ID, decision)
	}

	return nil
}

// VerifyChain verifies continuity and signatures for every envelope on a
// single stream, in append order, returning every failure found rather than
// stopping at the first (matching spec.md §7's "accumulate, don't
// short-circuit" rule for multi-error operations).
func VerifyChain(envelopes []*Envelope, reg *registry.Registry, proofs map[string]*registry.TimestampProof, strict bool) []error {
	var errs []error
	prev := ""
	for _, env := range envelopes {
		if err := VerifyEnvelope(env, prev, reg, proofs[env.ID], strict); err != nil {
			errs = append(errs, err)
		}
		prev = env.ChainHash
	}
	return errs
}

// SettlementProofRef is the cross-stream reference spec.md §4.4 describes: a
// settlement payload may point at a proof event evaluated against a specific
// snapshot of the reviewing stream's chain.
type SettlementProofRef struct {
	ReviewingStreamID         string
	ProofEventChainHash       string
	ProofEvaluatedAtChainHash string
}

// ErrSettlementStale is returned by VerifyFreshnessAtDecisionTime when the
// reviewing stream advanced past the proof's evaluation snapshot before the
// settlement event's decision time.
var ErrSettlementStale = errors.New("SETTLEMENT_STALE_AT_DECISION_TIME")

// VerifyFreshnessAtDecisionTime implements spec.md §4.4's cross-stream
// freshness check: ref.ProofEvaluatedAtChainHash names the reviewing
// stream's chain head as of when the referenced proof was evaluated. If any
// envelope appended to the reviewing stream after that snapshot has an `at`
// at or before the settlement event's decision time, the proof was stale
// when the settlement decision was made.
func VerifyFreshnessAtDecisionTime(ref SettlementProofRef, reviewingStream []*Envelope, decisionTime time.Time) error {
	proofIdx := -1
	snapshotIdx := -1
	for i, env := range reviewingStream {
		if env.ChainHash == ref.ProofEventChainHash {
			proofIdx = i
		}
		if env.ChainHash == ref.ProofEvaluatedAtChainHash {
			snapshotIdx = i
		}
	}
	if proofIdx == -1 {
		return fmt.Errorf("eventchain: referenced proof event %s not found on stream %s", ref.ProofEventChainHash, ref.ReviewingStreamID)
	}
	if snapshotIdx == -1 {
		return fmt.Errorf("eventchain: referenced evaluation snapshot %s not found on stream %s", ref.ProofEvaluatedAtChainHash, ref.ReviewingStreamID)
	}

	for i := snapshotIdx + 1; i < len(reviewingStream); i++ {
		if !reviewingStream[i].At.After(decisionTime) {
			return fmt.Errorf("%w: stream %s advanced past evaluation snapshot before decision time %s", ErrSettlementStale, ref.ReviewingStreamID, formatTime(decisionTime))
		}
	}
	return nil
}

// SortByAt is a convenience for tests and adapters that need deterministic
// ordering for display; chain order itself is always append order, never
// re-sorted.
func SortByAt(envelopes []*Envelope) {
	sort.SliceStable(envelopes, func(i, j int) bool {
		return envelopes[i].At.Before(envelopes[j].At)
	})
}
