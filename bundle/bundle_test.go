package bundle_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nooterra/nooterra-sub010/bundle"
	"github.com/nooterra/nooterra-sub010/config"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
	"github.com/nooterra/nooterra-sub010/eventchain"
	"github.com/nooterra/nooterra-sub010/governance"
	"github.com/nooterra/nooterra-sub010/registry"
)

// testSigner is a minimal eventchain.Signer over an in-process Ed25519 key.
type testSigner struct {
	keyID string
	priv  ed25519.PrivateKey
}

func (s *testSigner) KeyID() string { return s.keyID }
func (s *testSigner) Sign(data []byte) ([]byte, error) {
	return cryptoutil.SignEd25519(s.priv, data), nil
}

func newTestSigner(t *testing.T) (*testSigner, registry.KeyEntry) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keyID, err := cryptoutil.KeyIDFromEd25519PublicKey(pub)
	if err != nil {
		t.Fatalf("KeyIDFromEd25519PublicKey: %v", err)
	}
	pemBytes, err := cryptoutil.PublicKeyToPEM(pub)
	if err != nil {
		t.Fatalf("PublicKeyToPEM: %v", err)
	}
	return &testSigner{keyID: keyID, priv: priv}, registry.KeyEntry{
		KeyID:        keyID,
		PublicKeyPEM: pemBytes,
		ValidFrom:    time.Unix(0, 0),
	}
}

// buildGovernanceChain produces a governance stream that registers each of
// entries so a downstream verifier can project a registry from it.
func buildGovernanceChain(t *testing.T, govSigner *testSigner, entries ...registry.KeyEntry) *eventchain.Chain {
	t.Helper()
	chain := eventchain.NewChain(governance.StreamID)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, entry := range entries {
		payload := map[string]interface{}{
			"keyId":        entry.KeyID,
			"publicKeyPem": string(entry.PublicKeyPEM),
			"validFrom":    entry.ValidFrom.UTC().Format(time.RFC3339Nano),
		}
		if entry.TenantID != "" {
			payload["tenantId"] = entry.TenantID
		}
		if entry.ServerGoverned {
			payload["serverGoverned"] = true
		}
		_, err := chain.Append(eventchain.AppendRequest{
			Type:    governance.EventSignerKeyRegistered,
			At:      base.Add(time.Duration(i) * time.Second),
			Actor:   "ops",
			Payload: payload,
		}, govSigner)
		if err != nil {
			t.Fatalf("append governance registration %d: %v", i, err)
		}
	}
	return chain
}

func buildTestInput(t *testing.T) (bundle.BuildInput, string, map[string]string) {
	t.Helper()
	jobSigner, jobEntry := newTestSigner(t)
	govSigner, govEntry := newTestSigner(t)

	govChain := buildGovernanceChain(t, govSigner, govEntry, jobEntry)
	govEvents := govChain.Envelopes()
	govSnapshot, err := governance.BuildSnapshot(govEvents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	jobChain := eventchain.NewChain("job-1")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = jobChain.Append(eventchain.AppendRequest{
		Type:    "JOB_CREATED",
		At:      base,
		Actor:   "agent-1",
		Payload: map[string]interface{}{"amount": 100},
	}, jobSigner)
	if err != nil {
		t.Fatalf("append job event: %v", err)
	}

	dir := t.TempDir()
	outDir := filepath.Join(dir, "bundle-out")

	input := bundle.BuildInput{
		Kind:               bundle.KindJobProof,
		TenantID:            "tenant-1",
		Scope:               map[string]interface{}{"jobId": "job-1"},
		GeneratedAt:         base.Add(time.Hour),
		PrimaryEvents:       jobChain.Envelopes(),
		ScopeSnapshot:       map[string]interface{}{"jobId": "job-1", "status": "CREATED"},
		GovernanceEvents:    govEvents,
		GovernanceSnapshot:  govSnapshot,
		PublicKeys: []bundle.PublicKeyEntry{
			{KeyID: jobEntry.KeyID, PublicKeyPEM: string(jobEntry.PublicKeyPEM)},
			{KeyID: govEntry.KeyID, PublicKeyPEM: string(govEntry.PublicKeyPEM)},
		},
		ManifestSigner: govSigner,
		OutDir:         outDir,
	}
	trustedRoots := map[string]string{govEntry.KeyID: string(govEntry.PublicKeyPEM)}
	return input, outDir, trustedRoots
}

func TestBuildThenVerifyRoundTripsOK(t *testing.T) {
	input, outDir, trustedRoots := buildTestInput(t)

	b := bundle.NewBuilder()
	gotDir, err := b.Build(input)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if gotDir != outDir {
		t.Fatalf("expected dir %s, got %s", outDir, gotDir)
	}

	result := bundle.NewVerifier().Verify(bundle.VerifyInput{Dir: outDir, Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots}})
	if !result.OK {
		t.Fatalf("expected ok=true, got errors: %+v (error=%s detail=%s)", result.Errors, result.Error, result.Detail)
	}
}

func TestBuildRejectsExistingDirectoryWithoutForce(t *testing.T) {
	input, _, _ := buildTestInput(t)

	b := bundle.NewBuilder()
	if _, err := b.Build(input); err != nil {
		t.Fatalf("first Build: %v", err)
	}

	_, err := b.Build(input)
	if err == nil {
		t.Fatalf("expected second Build without Force to fail")
	}
}

func TestVerifyDetectsFileTampering(t *testing.T) {
	input, outDir, trustedRoots := buildTestInput(t)

	b := bundle.NewBuilder()
	if _, err := b.Build(input); err != nil {
		t.Fatalf("Build: %v", err)
	}

	eventsPath := filepath.Join(outDir, "events", "events.jsonl")
	data, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(eventsPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	result := bundle.NewVerifier().Verify(bundle.VerifyInput{Dir: outDir, Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots}})
	if result.OK {
		t.Fatalf("expected tampering to be detected")
	}
	if len(result.Errors) == 0 {
		t.Fatalf("expected at least one error")
	}
}

func TestVerifyRequiresManifestSignatureOnlyWhenConfigured(t *testing.T) {
	input, outDir, trustedRoots := buildTestInput(t)

	b := bundle.NewBuilder()
	if _, err := b.Build(input); err != nil {
		t.Fatalf("Build: %v", err)
	}

	manifestPath := filepath.Join(outDir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(manifestPath, stripManifestSignature(t, data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	result := bundle.NewVerifier().Verify(bundle.VerifyInput{
		Dir:    outDir,
		Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots, RequireManifestSignature: true},
	})
	if result.OK {
		t.Fatalf("expected signature-less manifest to be rejected when RequireManifestSignature is set")
	}

	permissive := bundle.NewVerifier().Verify(bundle.VerifyInput{
		Dir:    outDir,
		Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots, RequireManifestSignature: false},
	})
	for _, e := range permissive.Errors {
		if e.Location == "manifest.json" {
			t.Fatalf("did not expect a manifest.json error with RequireManifestSignature unset, got %+v", e)
		}
	}
}

func TestVerifyRequiresHeadAttestationOnlyWhenConfigured(t *testing.T) {
	input, outDir, trustedRoots := buildTestInput(t)

	b := bundle.NewBuilder()
	if _, err := b.Build(input); err != nil {
		t.Fatalf("Build: %v", err)
	}

	attPath := filepath.Join(outDir, "attestation", "bundle_head_attestation.json")
	if err := os.Remove(attPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	strict := bundle.NewVerifier().Verify(bundle.VerifyInput{
		Dir:    outDir,
		Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots, RequireHeadAttestation: true},
	})
	if strict.OK {
		t.Fatalf("expected missing head attestation to be rejected when RequireHeadAttestation is set")
	}
	found := false
	for _, e := range strict.Errors {
		if e.Code == bundle.ErrHeadAttestationInvalid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a HEAD_ATTESTATION_INVALID error, got %+v", strict.Errors)
	}

	permissive := bundle.NewVerifier().Verify(bundle.VerifyInput{
		Dir:    outDir,
		Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots, RequireHeadAttestation: false},
	})
	for _, e := range permissive.Errors {
		if e.Location == "attestation/bundle_head_attestation.json" {
			t.Fatalf("did not expect an attestation error with RequireHeadAttestation unset, got %+v", e)
		}
	}
}

func TestVerifyRejectsDuplicateKeyTampering(t *testing.T) {
	input, outDir, trustedRoots := buildTestInput(t)

	b := bundle.NewBuilder()
	if _, err := b.Build(input); err != nil {
		t.Fatalf("Build: %v", err)
	}

	eventsPath := filepath.Join(outDir, "events", "events.jsonl")
	data, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	doctored := bytes.Replace(lines[0], []byte(`"chainHash":"`), []byte(`"chainHash":"00","chainHash":"`), 1)
	lines[0] = doctored
	if err := os.WriteFile(eventsPath, append(bytes.Join(lines, []byte("\n")), '\n'), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	result := bundle.NewVerifier().Verify(bundle.VerifyInput{Dir: outDir, Config: config.CoreConfig{TrustedGovernanceRootKeys: trustedRoots}})
	if result.OK {
		t.Fatalf("expected duplicate-key tampering to be detected")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == bundle.ErrInvalidCanonicalInput {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an INVALID_CANONICAL_INPUT error, got %+v", result.Errors)
	}
}

func stripManifestSignature(t *testing.T, data []byte) []byte {
	t.Helper()
	s := string(bytes.TrimRight(data, "\n"))
	idx := strings.Index(s, `,"signature":`)
	if idx < 0 {
		t.Fatalf("manifest.json has no signature field to strip: %s", s)
	}
	depth := 0
	end := -1
	for i := idx + len(`,"signature":`); i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		t.Fatalf("could not find end of signature object in manifest.json: %s", s)
	}
	return []byte(s[:idx] + s[end:] + "\n")
}

func TestVerifyDetectsRotatedSigner(t *testing.T) {
	jobSigner, jobEntry := newTestSigner(t)
	newJobSigner, newJobEntry := newTestSigner(t)
	govSigner, govEntry := newTestSigner(t)

	rotatedAt := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	govChain := buildGovernanceChain(t, govSigner, govEntry, jobEntry, newJobEntry)
	_, err := govChain.Append(eventchain.AppendRequest{
		Type:  governance.EventSignerKeyRotated,
		At:    rotatedAt,
		Actor: "ops",
		Payload: map[string]interface{}{
			"oldKeyId":  jobEntry.KeyID,
			"newKeyId":  newJobEntry.KeyID,
			"rotatedAt": rotatedAt.Format(time.RFC3339Nano),
		},
	}, govSigner)
	if err != nil {
		t.Fatalf("append rotation: %v", err)
	}
	govEvents := govChain.Envelopes()
	govSnapshot, err := governance.BuildSnapshot(govEvents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	jobChain := eventchain.NewChain("job-rotated")
	_, err = jobChain.Append(eventchain.AppendRequest{
		Type:    "JOB_CREATED",
		At:      rotatedAt.Add(10 * time.Second),
		Payload: map[string]interface{}{"amount": 5},
	}, jobSigner)
	if err != nil {
		t.Fatalf("append post-rotation event with old key: %v", err)
	}

	dir := t.TempDir()
	outDir := filepath.Join(dir, "bundle-out")
	input := bundle.BuildInput{
		Kind:               bundle.KindJobProof,
		TenantID:           "tenant-1",
		Scope:              map[string]interface{}{"jobId": "job-rotated"},
		GeneratedAt:        rotatedAt.Add(time.Hour),
		PrimaryEvents:      jobChain.Envelopes(),
		GovernanceEvents:   govEvents,
		GovernanceSnapshot: govSnapshot,
		ManifestSigner:     govSigner,
		OutDir:             outDir,
	}

	if _, err := bundle.NewBuilder().Build(input); err != nil {
		t.Fatalf("Build: %v", err)
	}

	result := bundle.NewVerifier().Verify(bundle.VerifyInput{
		Dir:    outDir,
		Config: config.CoreConfig{TrustedGovernanceRootKeys: map[string]string{govEntry.KeyID: string(govEntry.PublicKeyPEM)}},
	})
	if result.OK {
		t.Fatalf("expected SIGNER_ROTATED to be detected")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == bundle.ErrSignerRotated {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a SIGNER_ROTATED error, got %+v", result.Errors)
	}
}

func TestVerifyDetectsStaleSettlement(t *testing.T) {
	jobSigner, jobEntry := newTestSigner(t)
	govSigner, govEntry := newTestSigner(t)

	govChain := buildGovernanceChain(t, govSigner, govEntry, jobEntry)
	govEvents := govChain.Envelopes()
	govSnapshot, err := governance.BuildSnapshot(govEvents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	jobChain := eventchain.NewChain("job-stale")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	proofEnv, err := jobChain.Append(eventchain.AppendRequest{
		Type:    "PROOF_EVALUATED",
		At:      base,
		Payload: map[string]interface{}{"result": "INSUFFICIENT"},
	}, jobSigner)
	if err != nil {
		t.Fatalf("append proof: %v", err)
	}
	snapshotChainHash := proofEnv.ChainHash

	_, err = jobChain.Append(eventchain.AppendRequest{
		Type:    "ZONE_COVERAGE_REPORTED",
		At:      base.Add(time.Minute),
		Payload: map[string]interface{}{"coverage": "full"},
	}, jobSigner)
	if err != nil {
		t.Fatalf("append coverage: %v", err)
	}

	_, err = jobChain.Append(eventchain.AppendRequest{
		Type: "SETTLED",
		At:   base.Add(2 * time.Minute),
		Payload: map[string]interface{}{
			"settlementProofRef": map[string]interface{}{
				"reviewingStreamId":         "job-stale",
				"proofEventChainHash":       proofEnv.ChainHash,
				"proofEvaluatedAtChainHash": snapshotChainHash,
			},
		},
	}, jobSigner)
	if err != nil {
		t.Fatalf("append settlement: %v", err)
	}

	dir := t.TempDir()
	outDir := filepath.Join(dir, "bundle-out")
	input := bundle.BuildInput{
		Kind:               bundle.KindJobProof,
		TenantID:           "tenant-1",
		Scope:              map[string]interface{}{"jobId": "job-stale"},
		GeneratedAt:        base.Add(time.Hour),
		PrimaryEvents:      jobChain.Envelopes(),
		GovernanceEvents:   govEvents,
		GovernanceSnapshot: govSnapshot,
		ManifestSigner:     govSigner,
		OutDir:             outDir,
	}

	if _, err := bundle.NewBuilder().Build(input); err != nil {
		t.Fatalf("Build: %v", err)
	}

	result := bundle.NewVerifier().Verify(bundle.VerifyInput{
		Dir:    outDir,
		Config: config.CoreConfig{TrustedGovernanceRootKeys: map[string]string{govEntry.KeyID: string(govEntry.PublicKeyPEM)}},
	})
	if result.OK {
		t.Fatalf("expected SETTLEMENT_STALE_AT_DECISION_TIME to be detected")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == bundle.ErrSettlementStaleAtDecision {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a SETTLEMENT_STALE_AT_DECISION_TIME error, got %+v", result.Errors)
	}
}
