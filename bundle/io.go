package bundle

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nooterra/nooterra-sub010/canonical"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
	"github.com/nooterra/nooterra-sub010/eventchain"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func envelopeValues(envs []*eventchain.Envelope) []map[string]interface{} {
	out := make([]map[string]interface{}, len(envs))
	for i, e := range envs {
		out[i] = e.CanonicalValue()
	}
	return out
}

func payloadMaterialValues(envs []*eventchain.Envelope) []map[string]interface{} {
	out := make([]map[string]interface{}, len(envs))
	for i, e := range envs {
		out[i] = e.PayloadMaterial()
	}
	return out
}

func publicKeysValue(tenantID, generatedAt string, keys []PublicKeyEntry) map[string]interface{} {
	sorted := make([]PublicKeyEntry, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].KeyID < sorted[j].KeyID })

	entries := make([]interface{}, len(sorted))
	for i, k := range sorted {
		entries[i] = map[string]interface{}{
			"keyId":        k.KeyID,
			"publicKeyPem": k.PublicKeyPEM,
		}
	}

	return map[string]interface{}{
		"schemaVersion": "BundlePublicKeys.v1",
		"tenantId":      tenantID,
		"generatedAt":   generatedAt,
		"order":         "keyId_asc",
		"keys":          entries,
	}
}

// writeFile writes raw bytes to dir/relName, creating parent directories.
func writeFile(dir, relName string, data []byte) (FileEntry, error) {
	path := filepath.Join(dir, filepath.FromSlash(relName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return FileEntry{}, fmt.Errorf("bundle: creating directory for %s: %w", relName, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return FileEntry{}, fmt.Errorf("bundle: writing %s: %w", relName, err)
	}
	return FileEntry{
		Name:   relName,
		SHA256: cryptoutil.SHA256Hex(data),
		Bytes:  int64(len(data)),
	}, nil
}

// writeCanonicalFile canonicalizes value, appends a trailing newline, and
// writes it to dir/relName.
func writeCanonicalFile(dir, relName string, value interface{}) (FileEntry, error) {
	canon, err := canonical.Marshal(value)
	if err != nil {
		return FileEntry{}, coded(ErrInvalidCanonicalInput, relName, err)
	}
	return writeFile(dir, relName, append(canon, '\n'))
}

// writeCanonicalFileRaw is writeCanonicalFile without producing a FileEntry
// (for files that are not part of manifest.json's files[], e.g. the
// self-verification report).
func writeCanonicalFileRaw(dir, relName string, value interface{}) error {
	canon, err := canonical.Marshal(value)
	if err != nil {
		return coded(ErrInvalidCanonicalInput, relName, err)
	}
	path := filepath.Join(dir, filepath.FromSlash(relName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bundle: creating directory for %s: %w", relName, err)
	}
	return os.WriteFile(path, append(canon, '\n'), 0o644)
}

// writeJSONL writes one canonical JSON value per line, each terminated by \n.
func writeJSONL(dir, relName string, values []map[string]interface{}) (FileEntry, error) {
	var data []byte
	for _, v := range values {
		canon, err := canonical.Marshal(v)
		if err != nil {
			return FileEntry{}, coded(ErrInvalidCanonicalInput, relName, err)
		}
		data = append(data, canon...)
		data = append(data, '\n')
	}
	return writeFile(dir, relName, data)
}

func writeManifest(dir string, m Manifest) error {
	value := m.CanonicalCore()
	value["manifestHash"] = m.ManifestHash
	if m.Signature != nil {
		value["signature"] = map[string]interface{}{
			"signerKeyId": m.Signature.SignerKeyID,
			"signedAt":    m.Signature.SignedAt,
			"signature":   m.Signature.Signature,
		}
	}
	return writeCanonicalFileRaw(dir, "manifest.json", value)
}

func writeHeadAttestation(dir string, a HeadAttestation) error {
	value := map[string]interface{}{
		"schemaVersion":   a.SchemaVersion,
		"manifestHash":    a.ManifestHash,
		"attestationHash": a.AttestationHash,
		"signerKeyId":     a.SignerKeyID,
		"signedAt":        a.SignedAt,
		"signature":       a.Signature,
	}
	if a.TimestampProof != nil {
		value["timestampProof"] = map[string]interface{}{
			"timeAuthorityKeyId": a.TimestampProof.TimeAuthorityKeyID,
			"signedAt":           a.TimestampProof.SignedAt.UTC().Format(time.RFC3339Nano),
			"signature":          base64Encode(a.TimestampProof.Signature),
		}
	}
	return writeCanonicalFileRaw(dir, "attestation/bundle_head_attestation.json", value)
}
