// Package bundle assembles and verifies proof bundles: the deterministic
// on-disk directory spec.md §4.7/§4.8 describe, built from signed event
// chains, a governance snapshot, and externally-produced artifacts.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nooterra/nooterra-sub010/canonical"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
	"github.com/nooterra/nooterra-sub010/eventchain"
	"github.com/nooterra/nooterra-sub010/registry"
)

// Builder writes proof bundles to disk.
type Builder struct{}

// NewBuilder returns a Builder. It carries no state: every Build call is
// independent, per spec.md §5's "no shared mutability" rule.
func NewBuilder() *Builder { return &Builder{} }

// Build emits a complete bundle directory for input, writing to a temporary
// sibling directory first and atomically renaming into place so a failed or
// interrupted build never leaves partial output at OutDir.
func (b *Builder) Build(input BuildInput) (string, error) {
	if input.OutDir == "" {
		return "", fmt.Errorf("bundle: OutDir required")
	}
	if input.ManifestSigner == nil {
		return "", fmt.Errorf("bundle: ManifestSigner required")
	}

	if _, err := os.Stat(input.OutDir); err == nil {
		if !input.Force {
			return "", coded(ErrBundleDirExists, input.OutDir, fmt.Errorf("directory already exists"))
		}
		if err := os.RemoveAll(input.OutDir); err != nil {
			return "", fmt.Errorf("bundle: removing existing directory: %w", err)
		}
	}

	tmpDir := input.OutDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return "", fmt.Errorf("bundle: clearing stale temp directory: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("bundle: creating temp directory: %w", err)
	}
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	var files []FileEntry

	f, err := writeJSONL(tmpDir, "events/events.jsonl", envelopeValues(input.PrimaryEvents))
	if err != nil {
		return "", err
	}
	files = append(files, f)

	f, err = writeJSONL(tmpDir, "events/payload_material.jsonl", payloadMaterialValues(input.PrimaryEvents))
	if err != nil {
		return "", err
	}
	files = append(files, f)

	f, err = writeCanonicalFile(tmpDir, "keys/public_keys.json", publicKeysValue(input.TenantID, formatTime(input.GeneratedAt), input.PublicKeys))
	if err != nil {
		return "", err
	}
	files = append(files, f)

	if input.ScopeSnapshot != nil {
		var name string
		switch input.Kind {
		case KindJobProof:
			name = "job/snapshot.json"
		case KindMonthProof:
			name = "month/snapshot.json"
		default:
			name = ""
		}
		if name != "" {
			f, err = writeCanonicalFile(tmpDir, name, input.ScopeSnapshot)
			if err != nil {
				return "", err
			}
			files = append(files, f)
		}
	}

	f, err = writeJSONL(tmpDir, "governance/events.jsonl", envelopeValues(input.GovernanceEvents))
	if err != nil {
		return "", err
	}
	files = append(files, f)

	f, err = writeCanonicalFile(tmpDir, "governance/snapshot.json", input.GovernanceSnapshot.CanonicalValue())
	if err != nil {
		return "", err
	}
	files = append(files, f)

	if input.TenantGovernanceEvents != nil || input.TenantGovernanceSnapshot != nil {
		f, err = writeJSONL(tmpDir, "tenant_governance/events.jsonl", envelopeValues(input.TenantGovernanceEvents))
		if err != nil {
			return "", err
		}
		files = append(files, f)

		if input.TenantGovernanceSnapshot != nil {
			f, err = writeCanonicalFile(tmpDir, "tenant_governance/snapshot.json", input.TenantGovernanceSnapshot.CanonicalValue())
			if err != nil {
				return "", err
			}
			files = append(files, f)
		}
	}

	for _, a := range input.Artifacts {
		name := filepath.Join("artifacts", a.ArtifactType, a.ArtifactID+".json")
		f, err = writeCanonicalFile(tmpDir, filepath.ToSlash(name), a.Value)
		if err != nil {
			return "", err
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	generatedAt := formatTime(input.GeneratedAt)
	manifest := Manifest{
		SchemaVersion: "ProofBundleManifest.v1",
		Kind:          input.Kind,
		TenantID:      input.TenantID,
		Scope:         input.Scope,
		GeneratedAt:   generatedAt,
		Files:         files,
	}

	manifestCanon, err := canonical.Marshal(manifest.CanonicalCore())
	if err != nil {
		return "", fmt.Errorf("bundle: canonicalize manifest core: %w", err)
	}
	manifest.ManifestHash = cryptoutil.SHA256Hex(manifestCanon)

	signedAt := generatedAt
	sigMaterial := map[string]interface{}{
		"manifestHash": manifest.ManifestHash,
		"signerKeyId":  input.ManifestSigner.KeyID(),
		"signedAt":     signedAt,
	}
	sigCanon, err := canonical.Marshal(sigMaterial)
	if err != nil {
		return "", fmt.Errorf("bundle: canonicalize manifest signature material: %w", err)
	}
	sig, err := input.ManifestSigner.Sign(sigCanon)
	if err != nil {
		return "", fmt.Errorf("bundle: signing manifest: %w", err)
	}
	manifest.Signature = &ManifestSignature{
		SignerKeyID: input.ManifestSigner.KeyID(),
		SignedAt:    signedAt,
		Signature:   base64Encode(sig),
	}

	if err := writeManifest(tmpDir, manifest); err != nil {
		return "", err
	}

	attestation, err := buildHeadAttestation(manifest.ManifestHash, input.ManifestSigner, signedAt, input.TimestampProof)
	if err != nil {
		return "", err
	}
	if err := writeHeadAttestation(tmpDir, attestation); err != nil {
		return "", err
	}

	if input.SelfVerify {
		result := NewVerifier().Verify(VerifyInput{
			Dir:    tmpDir,
			Config: input.Config,
		})
		if err := writeCanonicalFileRaw(tmpDir, "verify/verification_report.json", verifyResultValue(result)); err != nil {
			return "", err
		}
	}

	if err := os.Rename(tmpDir, input.OutDir); err != nil {
		return "", fmt.Errorf("bundle: finalizing bundle directory: %w", err)
	}
	succeeded = true

	return input.OutDir, nil
}

func buildHeadAttestation(manifestHash string, signer eventchain.Signer, signedAt string, proof *registry.TimestampProof) (HeadAttestation, error) {
	am, err := canonical.Marshal(attestationMaterial(manifestHash, signer.KeyID(), signedAt))
	if err != nil {
		return HeadAttestation{}, fmt.Errorf("bundle: canonicalize attestation material: %w", err)
	}
	attestationHash := cryptoutil.SHA256Hex(am)

	sm, err := canonical.Marshal(attestationSignedMaterial(attestationHash, signer.KeyID()))
	if err != nil {
		return HeadAttestation{}, fmt.Errorf("bundle: canonicalize attestation signed material: %w", err)
	}
	sig, err := signer.Sign(sm)
	if err != nil {
		return HeadAttestation{}, fmt.Errorf("bundle: signing head attestation: %w", err)
	}

	return HeadAttestation{
		SchemaVersion:   "BundleHeadAttestation.v1",
		ManifestHash:    manifestHash,
		AttestationHash: attestationHash,
		SignerKeyID:     signer.KeyID(),
		SignedAt:        signedAt,
		Signature:       base64Encode(sig),
		TimestampProof:  proof,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
