package bundle

import (
	"time"

	"github.com/nooterra/nooterra-sub010/config"
	"github.com/nooterra/nooterra-sub010/eventchain"
	"github.com/nooterra/nooterra-sub010/governance"
	"github.com/nooterra/nooterra-sub010/registry"
)

// Kind identifies which bundle schema is being produced.
type Kind string

const (
	KindJobProof     Kind = "JobProofBundle.v1"
	KindMonthProof   Kind = "MonthProofBundle.v1"
	KindFinancePack  Kind = "FinancePackBundle.v1"
	KindInvoice      Kind = "InvoiceBundle.v1"
)

// PublicKeyEntry is one row of keys/public_keys.json.
type PublicKeyEntry struct {
	KeyID        string
	PublicKeyPEM string
}

// ArtifactRef is an externally-produced artifact to embed under artifacts/.
// Value must already carry its own artifactHash (see package artifact).
type ArtifactRef struct {
	ArtifactType string
	ArtifactID   string
	Value        map[string]interface{}
}

// FileEntry is one row of manifest.json's files[].
type FileEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// ManifestSignature is the detached signature block embedded in manifest.json.
type ManifestSignature struct {
	SignerKeyID string `json:"signerKeyId"`
	SignedAt    string `json:"signedAt"`
	Signature   string `json:"signature"`
}

// Manifest is the parsed shape of manifest.json.
type Manifest struct {
	SchemaVersion string              `json:"schemaVersion"`
	Kind          Kind                `json:"kind"`
	TenantID      string              `json:"tenantId"`
	Scope         map[string]interface{} `json:"scope"`
	GeneratedAt   string              `json:"generatedAt"`
	Files         []FileEntry         `json:"files"`
	ManifestHash  string              `json:"manifestHash"`
	Signature     *ManifestSignature  `json:"signature,omitempty"`
}

// CanonicalCore is the shape manifestHash is computed over: every manifest
// field except manifestHash and signature.
func (m Manifest) CanonicalCore() map[string]interface{} {
	files := make([]interface{}, len(m.Files))
	for i, f := range m.Files {
		files[i] = map[string]interface{}{
			"name":   f.Name,
			"sha256": f.SHA256,
			"bytes":  f.Bytes,
		}
	}
	scope := m.Scope
	if scope == nil {
		scope = map[string]interface{}{}
	}
	return map[string]interface{}{
		"schemaVersion": m.SchemaVersion,
		"kind":          string(m.Kind),
		"tenantId":      m.TenantID,
		"scope":         scope,
		"generatedAt":   m.GeneratedAt,
		"files":         files,
	}
}

// HeadAttestation is the parsed shape of attestation/bundle_head_attestation.json.
type HeadAttestation struct {
	SchemaVersion   string                   `json:"schemaVersion"`
	ManifestHash    string                   `json:"manifestHash"`
	AttestationHash string                   `json:"attestationHash"`
	SignerKeyID     string                   `json:"signerKeyId"`
	SignedAt        string                   `json:"signedAt"`
	Signature       string                   `json:"signature"`
	TimestampProof  *registry.TimestampProof `json:"timestampProof,omitempty"`
}

// attestationMaterial is the value attestationHash is computed over.
func attestationMaterial(manifestHash, signerKeyID, signedAt string) map[string]interface{} {
	return map[string]interface{}{
		"manifestHash": manifestHash,
		"signerKeyId":  signerKeyID,
		"signedAt":     signedAt,
	}
}

// attestationSignedMaterial is the value the head attestation's own signature
// is computed over, following the same {hash, signerKeyId} shape eventchain
// uses for envelope signatures.
func attestationSignedMaterial(attestationHash, signerKeyID string) map[string]interface{} {
	return map[string]interface{}{
		"attestationHash": attestationHash,
		"signerKeyId":     signerKeyID,
	}
}

// BuildInput describes everything the builder needs to emit one bundle.
type BuildInput struct {
	Kind        Kind
	TenantID    string
	Scope       map[string]interface{}
	GeneratedAt time.Time

	// PrimaryEvents is the stream written to events/events.jsonl and
	// events/payload_material.jsonl.
	PrimaryEvents []*eventchain.Envelope

	// ScopeSnapshot, when non-nil, is written to job/snapshot.json (Kind ==
	// KindJobProof) or month/snapshot.json (Kind == KindMonthProof). Other
	// kinds never write it, whether or not ScopeSnapshot is set.
	ScopeSnapshot map[string]interface{}

	GovernanceEvents   []*eventchain.Envelope
	GovernanceSnapshot governance.Snapshot

	TenantGovernanceEvents   []*eventchain.Envelope
	TenantGovernanceSnapshot *governance.Snapshot

	Artifacts  []ArtifactRef
	PublicKeys []PublicKeyEntry

	ManifestSigner eventchain.Signer
	TimestampProof *registry.TimestampProof

	// SelfVerify, when true, runs Verifier.Verify against the freshly
	// written bundle before renaming it into place and writes the result to
	// verify/verification_report.json.
	SelfVerify bool

	// Config carries the same strictness/trust settings SelfVerify's
	// internal Verify call (and an embedder's own later Verify call) use —
	// see package config. The builder itself only reads
	// Config.TrustedGovernanceRootKeys/TrustedTimeAuthorityKeys/Strict, and
	// only for that internal self-check; RequireHeadAttestation and
	// RequireManifestSignature govern verification, not emission — Build
	// always writes both.
	Config config.CoreConfig

	// OutDir is the bundle directory to create. Force, when true, removes a
	// pre-existing directory at OutDir before writing; otherwise a
	// pre-existing directory is a BUNDLE_DIR_EXISTS error.
	OutDir string
	Force  bool
}
