package bundle

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nooterra/nooterra-sub010/canonical"
	"github.com/nooterra/nooterra-sub010/config"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
	"github.com/nooterra/nooterra-sub010/eventchain"
	"github.com/nooterra/nooterra-sub010/governance"
	"github.com/nooterra/nooterra-sub010/registry"
)

// VerifyInput describes one bundle directory to check, plus the trust and
// strictness configuration an embedder supplies (there are no default
// trusted keys; a zero Config is maximally permissive, not conservative —
// callers that want the conservative defaults pass config.Default()).
type VerifyInput struct {
	Dir    string
	Config config.CoreConfig
}

// VerifyResult is the outcome §4.8 step 7 describes.
type VerifyResult struct {
	OK     bool
	Error  string
	Detail string
	Errors []VerifyError
}

// Verifier checks a bundle directory against the rules that produced it.
type Verifier struct{}

// NewVerifier returns a Verifier. Like Builder, it carries no state.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify runs the full §4.8 procedure and returns a result whose Errors are
// sorted by (location, error) regardless of how file hashing happened to be
// scheduled across the worker pool.
func (v *Verifier) Verify(input VerifyInput) VerifyResult {
	var errs []VerifyError
	add := func(location string, code ErrorCode, err error) {
		errs = append(errs, VerifyError{Location: location, Code: code, Error: err.Error()})
	}

	manifestRaw, err := readJSONMap(filepath.Join(input.Dir, "manifest.json"))
	if err != nil {
		add("manifest.json", ErrInvalidCanonicalInput, err)
		return finalize(errs)
	}

	manifestHash, _ := manifestRaw["manifestHash"].(string)
	core := map[string]interface{}{}
	for k, val := range manifestRaw {
		if k == "manifestHash" || k == "signature" {
			continue
		}
		core[k] = val
	}
	coreCanon, err := canonical.Marshal(core)
	if err != nil {
		add("manifest.json", ErrInvalidCanonicalInput, err)
	} else {
		gotHash := cryptoutil.SHA256Hex(coreCanon)
		if gotHash != manifestHash {
			add("manifest.json", ErrManifestHashMismatch, fmt.Errorf("got %s want %s", manifestHash, gotHash))
		}
	}

	fileErrs := v.verifyFiles(input.Dir, manifestRaw, input.Config.ResolvedHashConcurrency())
	errs = append(errs, fileErrs...)

	primaryEvents, primaryErrs := parseEnvelopeStream(input.Dir, "events/events.jsonl", "events/payload_material.jsonl")
	errs = append(errs, primaryErrs...)

	governanceEvents, govErrs := parseEnvelopeStream(input.Dir, "governance/events.jsonl", "")
	errs = append(errs, govErrs...)

	var tenantGovernanceEvents []*eventchain.Envelope
	if _, statErr := os.Stat(filepath.Join(input.Dir, "tenant_governance/events.jsonl")); statErr == nil {
		var tgErrs []VerifyError
		tenantGovernanceEvents, tgErrs = parseEnvelopeStream(input.Dir, "tenant_governance/events.jsonl", "")
		errs = append(errs, tgErrs...)
	}

	rootReg := registry.New()
	for keyID, pem := range input.Config.TrustedGovernanceRootKeys {
		_ = rootReg.Register(registry.KeyEntry{KeyID: keyID, PublicKeyPEM: []byte(pem), ValidFrom: time.Unix(0, 0).UTC(), ServerGoverned: true})
	}
	for keyID, pem := range input.Config.TrustedTimeAuthorityKeys {
		rootReg.RegisterTimeAuthorityKey(keyID, []byte(pem))
	}

	for _, err := range eventchain.VerifyChain(governanceEvents, rootReg, nil, input.Config.Strict) {
		errs = append(errs, fromChainError("governance/events.jsonl", err))
	}

	reg, err := governance.Project(governanceEvents)
	if err != nil {
		add("governance/events.jsonl", ErrInvalidCanonicalInput, err)
		reg = registry.New()
	}
	for keyID, pem := range input.Config.TrustedTimeAuthorityKeys {
		reg.RegisterTimeAuthorityKey(keyID, []byte(pem))
	}

	if snap, snapErr := readJSONMap(filepath.Join(input.Dir, "governance/snapshot.json")); snapErr == nil {
		streamID, _ := snap["streamId"].(string)
		lastEventID, _ := snap["lastEventId"].(string)
		lastChainHash, _ := snap["lastChainHash"].(string)
		want := governance.Snapshot{StreamID: streamID, LastEventID: lastEventID, LastChainHash: lastChainHash}
		if err := governance.VerifySnapshot(want, governanceEvents); err != nil {
			add("governance/snapshot.json", ErrGovernanceSnapshotMismatch, err)
		}
	}

	if len(tenantGovernanceEvents) > 0 {
		for _, err := range eventchain.VerifyChain(tenantGovernanceEvents, rootReg, nil, input.Config.Strict) {
			errs = append(errs, fromChainError("tenant_governance/events.jsonl", err))
		}
	}

	for _, err := range eventchain.VerifyChain(primaryEvents, reg, nil, input.Config.Strict) {
		errs = append(errs, fromChainError("events/events.jsonl", err))
	}

	if err := v.verifyManifestSignature(input.Dir, manifestRaw, reg, input.Config); err != nil {
		add("manifest.json", codeOf(err, ErrSignatureInvalid), err)
	}
	if err := v.verifyHeadAttestation(input.Dir, manifestHash, reg, input.Config); err != nil {
		add("attestation/bundle_head_attestation.json", codeOf(err, ErrHeadAttestationInvalid), err)
	}

	streams := map[string][]*eventchain.Envelope{}
	for _, env := range primaryEvents {
		streams[env.StreamID] = append(streams[env.StreamID], env)
	}
	for _, env := range governanceEvents {
		streams[env.StreamID] = append(streams[env.StreamID], env)
	}
	for _, env := range tenantGovernanceEvents {
		streams[env.StreamID] = append(streams[env.StreamID], env)
	}

	for _, env := range primaryEvents {
		ref, ok := settlementProofRefFromPayload(env.Payload)
		if !ok {
			continue
		}
		reviewing := streams[ref.ReviewingStreamID]
		if err := eventchain.VerifyFreshnessAtDecisionTime(ref, reviewing, env.At); err != nil {
			add(fmt.Sprintf("events/events.jsonl#%s", env.ID), ErrSettlementStaleAtDecision, err)
		}
	}

	return finalize(errs)
}

func finalize(errs []VerifyError) VerifyResult {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Location != errs[j].Location {
			return errs[i].Location < errs[j].Location
		}
		return errs[i].Error < errs[j].Error
	})
	if len(errs) == 0 {
		return VerifyResult{OK: true}
	}
	return VerifyResult{
		OK:     false,
		Error:  string(errs[0].Code),
		Detail: errs[0].Error,
		Errors: errs,
	}
}

func verifyResultValue(r VerifyResult) map[string]interface{} {
	errList := make([]interface{}, len(r.Errors))
	for i, e := range r.Errors {
		errList[i] = map[string]interface{}{
			"location": e.Location,
			"code":     string(e.Code),
			"error":    e.Error,
		}
	}
	return map[string]interface{}{
		"ok":     r.OK,
		"error":  r.Error,
		"detail": r.Detail,
		"errors": errList,
	}
}

func codeOf(err error, fallback ErrorCode) ErrorCode {
	if ce, ok := err.(*CodedError); ok {
		return ce.Code
	}
	return fallback
}

func fromChainError(location string, err error) VerifyError {
	code := ErrSignatureInvalid
	switch {
	case bytesContainsErr(err, eventchain.ErrPayloadHashMismatch):
		code = ErrPayloadHashMismatch
	case bytesContainsErr(err, eventchain.ErrChainDiscontinuity):
		code = ErrChainDiscontinuity
	case bytesContainsErr(err, eventchain.ErrChainHashMismatch):
		code = ErrPayloadHashMismatch
	case strings.Contains(err.Error(), string(registry.SignerRotated)):
		code = ErrSignerRotated
	case strings.Contains(err.Error(), string(registry.SignerRevoked)):
		code = ErrSignerRevoked
	case strings.Contains(err.Error(), string(registry.SigningTimeUnprovable)):
		code = ErrSigningTimeUnprovable
	case strings.Contains(err.Error(), string(registry.SignerNotYetValid)):
		code = ErrSigningTimeUnprovable
	case strings.Contains(err.Error(), string(registry.SignerUnknown)):
		code = ErrSignerUnknown
	case bytesContainsErr(err, eventchain.ErrSignatureInvalid):
		code = ErrSignatureInvalid
	}
	return VerifyError{Location: location, Code: code, Error: err.Error()}
}

func bytesContainsErr(err, target error) bool {
	return err != nil && target != nil && strings.Contains(err.Error(), target.Error())
}

// verifyFiles hashes every file listed in manifestRaw["files"] (and no
// others — the manifest is the single source of truth for which files
// belong to the bundle), using up to concurrency workers.
func (v *Verifier) verifyFiles(dir string, manifestRaw map[string]interface{}, concurrency int) []VerifyError {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	rawFiles, _ := manifestRaw["files"].([]interface{})

	type job struct {
		idx  int
		name string
		want string
		size float64
	}
	jobs := make([]job, 0, len(rawFiles))
	for i, rf := range rawFiles {
		m, ok := rf.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		sha, _ := m["sha256"].(string)
		bytesVal, _ := m["bytes"].(float64)
		jobs = append(jobs, job{idx: i, name: name, want: sha, size: bytesVal})
	}

	results := make([]*VerifyError, len(jobs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, j job) {
			defer wg.Done()
			defer func() { <-sem }()
			data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(j.name)))
			if err != nil {
				ve := VerifyError{Location: j.name, Code: ErrFileDigestMismatch, Error: err.Error()}
				results[i] = &ve
				return
			}
			got := cryptoutil.SHA256Hex(data)
			if got != j.want || int64(len(data)) != int64(j.size) {
				ve := VerifyError{Location: j.name, Code: ErrFileDigestMismatch, Error: fmt.Sprintf("got sha256=%s bytes=%d want sha256=%s bytes=%d", got, len(data), j.want, int64(j.size))}
				results[i] = &ve
			}
		}(i, j)
	}
	wg.Wait()

	var out []VerifyError
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (v *Verifier) verifyManifestSignature(dir string, manifestRaw map[string]interface{}, reg *registry.Registry, cfg config.CoreConfig) error {
	sigRaw, ok := manifestRaw["signature"].(map[string]interface{})
	if !ok {
		if cfg.RequireManifestSignature {
			return coded(ErrSignatureInvalid, "", fmt.Errorf("manifest.json has no signature block and RequireManifestSignature is set"))
		}
		return nil
	}
	signerKeyID, _ := sigRaw["signerKeyId"].(string)
	signedAtStr, _ := sigRaw["signedAt"].(string)
	sigB64, _ := sigRaw["signature"].(string)
	manifestHash, _ := manifestRaw["manifestHash"].(string)

	entry, ok := reg.Lookup(signerKeyID)
	if !ok {
		return coded(ErrSignerUnknown, "", fmt.Errorf("manifest signer %s not found in governance registry", signerKeyID))
	}
	pub, err := cryptoutil.ParsePublicKeyPEM(entry.PublicKeyPEM)
	if err != nil {
		return err
	}
	material := map[string]interface{}{"manifestHash": manifestHash, "signerKeyId": signerKeyID, "signedAt": signedAtStr}
	canon, err := canonical.Marshal(material)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	if !cryptoutil.VerifyEd25519(pub, canon, sig) {
		return coded(ErrSignatureInvalid, "", fmt.Errorf("manifest signature does not verify"))
	}

	signedAt, err := time.Parse(time.RFC3339Nano, signedAtStr)
	if err != nil {
		return err
	}
	var proof *registry.TimestampProof
	if att, err := readJSONMap(filepath.Join(dir, "attestation/bundle_head_attestation.json")); err == nil {
		if tp, ok := att["timestampProof"].(map[string]interface{}); ok {
			taKeyID, _ := tp["timeAuthorityKeyId"].(string)
			tpSignedAtStr, _ := tp["signedAt"].(string)
			tpSigB64, _ := tp["signature"].(string)
			tpSignedAt, tErr := time.Parse(time.RFC3339Nano, tpSignedAtStr)
			tpSig, sErr := base64.StdEncoding.DecodeString(tpSigB64)
			if tErr == nil && sErr == nil {
				proof = &registry.TimestampProof{SignedAt: tpSignedAt, TimeAuthorityKeyID: taKeyID, Signature: tpSig}
			}
		}
	}
	decision := reg.ValidateAt(signerKeyID, signedAt, proof, cfg.Strict)
	if decision != registry.Ok {
		if decision == registry.SigningTimeUnprovable && !cfg.Strict {
			return nil
		}
		return coded(ErrorCode(decision), "", fmt.Errorf("manifest signer validation failed: %s", decision))
	}
	return nil
}

func (v *Verifier) verifyHeadAttestation(dir string, manifestHash string, reg *registry.Registry, cfg config.CoreConfig) error {
	path := filepath.Join(dir, "attestation/bundle_head_attestation.json")
	att, err := readJSONMap(path)
	if err != nil {
		if os.IsNotExist(err) && !cfg.RequireHeadAttestation {
			return nil
		}
		return coded(ErrHeadAttestationInvalid, "", err)
	}
	attManifestHash, _ := att["manifestHash"].(string)
	if attManifestHash != manifestHash {
		return coded(ErrHeadAttestationInvalid, "", fmt.Errorf("attestation manifestHash %s does not match manifest.json %s", attManifestHash, manifestHash))
	}
	signerKeyID, _ := att["signerKeyId"].(string)
	signedAtStr, _ := att["signedAt"].(string)
	attestationHash, _ := att["attestationHash"].(string)
	sigB64, _ := att["signature"].(string)

	wantAttestationHashCanon, err := canonical.Marshal(attestationMaterial(manifestHash, signerKeyID, signedAtStr))
	if err != nil {
		return err
	}
	if got := cryptoutil.SHA256Hex(wantAttestationHashCanon); got != attestationHash {
		return coded(ErrHeadAttestationInvalid, "", fmt.Errorf("attestationHash mismatch: got %s want %s", attestationHash, got))
	}

	entry, ok := reg.Lookup(signerKeyID)
	if !ok {
		return coded(ErrSignerUnknown, "", fmt.Errorf("head attestation signer %s not found", signerKeyID))
	}
	pub, err := cryptoutil.ParsePublicKeyPEM(entry.PublicKeyPEM)
	if err != nil {
		return err
	}
	signedCanon, err := canonical.Marshal(attestationSignedMaterial(attestationHash, signerKeyID))
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	if !cryptoutil.VerifyEd25519(pub, signedCanon, sig) {
		return coded(ErrHeadAttestationInvalid, "", fmt.Errorf("head attestation signature does not verify"))
	}
	return nil
}

// settlementProofRefFromPayload extracts a SettlementProofRef from an
// envelope payload if one is present under the key "settlementProofRef".
func settlementProofRefFromPayload(payload interface{}) (eventchain.SettlementProofRef, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return eventchain.SettlementProofRef{}, false
	}
	raw, ok := m["settlementProofRef"].(map[string]interface{})
	if !ok {
		return eventchain.SettlementProofRef{}, false
	}
	reviewingStreamID, _ := raw["reviewingStreamId"].(string)
	proofEventChainHash, _ := raw["proofEventChainHash"].(string)
	proofEvaluatedAtChainHash, _ := raw["proofEvaluatedAtChainHash"].(string)
	if reviewingStreamID == "" || proofEventChainHash == "" || proofEvaluatedAtChainHash == "" {
		return eventchain.SettlementProofRef{}, false
	}
	return eventchain.SettlementProofRef{
		ReviewingStreamID:         reviewingStreamID,
		ProofEventChainHash:       proofEventChainHash,
		ProofEvaluatedAtChainHash: proofEvaluatedAtChainHash,
	}, true
}

// readJSONMap reads and canonical.Parses a whole-file JSON object. Parsing
// through canonical.Parse rather than encoding/json.Unmarshal means a
// doctored file with a duplicate or out-of-order key is rejected outright
// instead of silently resolving to whichever value encoding/json happens
// to keep.
func readJSONMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := canonical.Parse(bytes.TrimRight(data, "\n"))
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("bundle: %s: expected a JSON object at top level", path)
	}
	return m, nil
}

func readJSONLMaps(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	out := make([]map[string]interface{}, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		v, err := canonical.Parse(line)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("bundle: %s: expected a JSON object per line", path)
		}
		out = append(out, m)
	}
	return out, nil
}

// parseEnvelopeStream reads eventsRel (events.jsonl-shaped lines) and,
// when materialRel is non-empty, cross-checks each line's payloadHash
// against an independent recomputation from the corresponding
// payload_material.jsonl line rather than trusting the payload embedded in
// eventsRel itself.
func parseEnvelopeStream(dir, eventsRel, materialRel string) ([]*eventchain.Envelope, []VerifyError) {
	var errs []VerifyError

	eventMaps, err := readJSONLMaps(filepath.Join(dir, eventsRel))
	if err != nil {
		errs = append(errs, VerifyError{Location: eventsRel, Code: ErrInvalidCanonicalInput, Error: err.Error()})
		return nil, errs
	}

	var materialMaps []map[string]interface{}
	if materialRel != "" {
		materialMaps, err = readJSONLMaps(filepath.Join(dir, materialRel))
		if err != nil {
			errs = append(errs, VerifyError{Location: materialRel, Code: ErrInvalidCanonicalInput, Error: err.Error()})
		}
	}

	envs := make([]*eventchain.Envelope, 0, len(eventMaps))
	for i, m := range eventMaps {
		env, err := envelopeFromMap(m)
		if err != nil {
			errs = append(errs, VerifyError{Location: fmt.Sprintf("%s#%d", eventsRel, i), Code: ErrInvalidCanonicalInput, Error: err.Error()})
			continue
		}

		if materialRel != "" && i < len(materialMaps) {
			canon, err := canonical.Marshal(materialMaps[i])
			if err != nil {
				errs = append(errs, VerifyError{Location: fmt.Sprintf("%s#%d", materialRel, i), Code: ErrInvalidCanonicalInput, Error: err.Error()})
			} else if got := cryptoutil.SHA256Hex(canon); got != env.PayloadHash {
				errs = append(errs, VerifyError{
					Location: fmt.Sprintf("%s#%d", eventsRel, i),
					Code:     ErrPayloadHashMismatch,
					Error:    fmt.Sprintf("payloadHash %s does not match recomputed %s from %s", env.PayloadHash, got, materialRel),
				})
			}
		}

		envs = append(envs, env)
	}

	return envs, errs
}

func envelopeFromMap(m map[string]interface{}) (*eventchain.Envelope, error) {
	id, _ := m["id"].(string)
	streamID, _ := m["streamId"].(string)
	eventType, _ := m["type"].(string)
	atStr, _ := m["at"].(string)
	actor, _ := m["actor"].(string)
	payloadHash, _ := m["payloadHash"].(string)
	chainHash, _ := m["chainHash"].(string)
	signerKeyID, _ := m["signerKeyId"].(string)
	sigB64, _ := m["signature"].(string)

	at, err := time.Parse(time.RFC3339Nano, atStr)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: parsing at: %w", id, err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: decoding signature: %w", id, err)
	}

	var prev *string
	if p, ok := m["prevChainHash"].(string); ok && p != "" {
		prev = &p
	}

	v := 1
	if vv, ok := m["v"].(float64); ok {
		v = int(vv)
	}

	return &eventchain.Envelope{
		V:             v,
		ID:            id,
		StreamID:      streamID,
		Type:          eventType,
		At:            at,
		Actor:         actor,
		Payload:       m["payload"],
		PayloadHash:   payloadHash,
		PrevChainHash: prev,
		ChainHash:     chainHash,
		Signature:     sig,
		SignerKeyID:   signerKeyID,
	}, nil
}
