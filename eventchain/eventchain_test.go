package eventchain_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/nooterra/nooterra-sub010/cryptoutil"
	"github.com/nooterra/nooterra-sub010/eventchain"
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

func TestAppendAndVerifyChain(t *testing.T) {
	signer, entry := newTestSigner(t)
	reg := registry.New()
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	chain := eventchain.NewChain("job-123")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := chain.Append(eventchain.AppendRequest{
			Type:    "JOB_CREATED",
			At:      base.Add(time.Duration(i) * time.Second),
			Actor:   "agent-1",
			Payload: map[string]interface{}{"n": i},
		}, signer)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	envs := chain.Envelopes()
	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envs))
	}
	if envs[0].PrevChainHash != nil {
		t.Fatalf("expected genesis envelope to have nil prevChainHash")
	}
	if envs[1].PrevChainHash == nil || *envs[1].PrevChainHash != envs[0].ChainHash {
		t.Fatalf("expected envelope 1's prevChainHash to equal envelope 0's chainHash")
	}

	if errs := eventchain.VerifyChain(envs, reg, nil, false); len(errs) != 0 {
		t.Fatalf("expected no verify errors, got %v", errs)
	}
}

func TestVerifyChainDetectsPayloadTampering(t *testing.T) {
	signer, entry := newTestSigner(t)
	reg := registry.New()
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	chain := eventchain.NewChain("job-456")
	env, err := chain.Append(eventchain.AppendRequest{
		Type:    "JOB_CREATED",
		At:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: map[string]interface{}{"amount": 100},
	}, signer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	env.Payload = map[string]interface{}{"amount": 999}

	errs := eventchain.VerifyChain(chain.Envelopes(), reg, nil, false)
	if len(errs) == 0 {
		t.Fatalf("expected tampering to be detected")
	}
}

func TestVerifyChainDetectsDiscontinuity(t *testing.T) {
	signer, entry := newTestSigner(t)
	reg := registry.New()
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	chain := eventchain.NewChain("job-789")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, err := chain.Append(eventchain.AppendRequest{
			Type:    "JOB_CREATED",
			At:      base.Add(time.Duration(i) * time.Second),
			Payload: map[string]interface{}{"n": i},
		}, signer); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	envs := chain.Envelopes()
	bogus := "0000000000000000000000000000000000000000000000000000000000000000"
	envs[1].PrevChainHash = &bogus

	errs := eventchain.VerifyChain(envs, reg, nil, false)
	if len(errs) == 0 {
		t.Fatalf("expected discontinuity to be detected")
	}
}

func TestVerifyFreshnessAtDecisionTime(t *testing.T) {
	signer, _ := newTestSigner(t)
	chain := eventchain.NewChain("job-stale")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	proofEnv, err := chain.Append(eventchain.AppendRequest{
		Type:    "PROOF_EVALUATED",
		At:      base,
		Payload: map[string]interface{}{"result": "INSUFFICIENT"},
	}, signer)
	if err != nil {
		t.Fatalf("Append proof: %v", err)
	}
	snapshotChainHash := proofEnv.ChainHash

	newInfo, err := chain.Append(eventchain.AppendRequest{
		Type:    "ZONE_COVERAGE_REPORTED",
		At:      base.Add(time.Minute),
		Payload: map[string]interface{}{"coverage": "full"},
	}, signer)
	if err != nil {
		t.Fatalf("Append coverage: %v", err)
	}
	_ = newInfo

	ref := eventchain.SettlementProofRef{
		ReviewingStreamID:         "job-stale",
		ProofEventChainHash:       proofEnv.ChainHash,
		ProofEvaluatedAtChainHash: snapshotChainHash,
	}

	settledAt := base.Add(2 * time.Minute)
	err = eventchain.VerifyFreshnessAtDecisionTime(ref, chain.Envelopes(), settledAt)
	if err == nil {
		t.Fatalf("expected stale settlement to be detected")
	}

	// If the settlement decision happened before the new info arrived, it's fresh.
	earlyDecision := base.Add(30 * time.Second)
	if err := eventchain.VerifyFreshnessAtDecisionTime(ref, chain.Envelopes(), earlyDecision); err != nil {
		t.Fatalf("expected freshness check to pass when decision preceded new info: %v", err)
	}
}
