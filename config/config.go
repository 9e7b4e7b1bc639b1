// Package config holds the explicit configuration structs builder and
// verifier callers construct and pass in, per spec.md §9's redesign note
// ("ambient process flags → explicit config"). There is no package-level
// mutable state here; LoadTrustConfigFromEnv is an optional convenience for
// callers that still want environment-driven trust key loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// CoreConfig configures both the bundle builder and the bundle verifier.
type CoreConfig struct {
	// Strict controls whether SIGNING_TIME_UNPROVABLE is fatal for the
	// manifest signer's validation (bundle.Verifier only); envelope-level
	// signer validation always treats it as fatal.
	Strict bool

	// RequireHeadAttestation, when true, makes a bundle missing
	// attestation/bundle_head_attestation.json invalid.
	RequireHeadAttestation bool

	// RequireManifestSignature, when true, makes a bundle whose manifest
	// lacks a `signature` block invalid.
	RequireManifestSignature bool

	// HashConcurrency bounds the worker pool the verifier uses for file
	// hashing; signature verification runs sequentially. Zero means "use
	// runtime.NumCPU()".
	HashConcurrency int

	// DeterministicIDs records the PROXY_DETERMINISTIC_IDS setting. The
	// builder and verifier do not read it; the builder generates no ids.
	DeterministicIDs bool

	// TrustedGovernanceRootKeys and TrustedTimeAuthorityKeys map key-id to
	// PEM-encoded public keys. Absence is treated as the empty set; there
	// are no defaults.
	TrustedGovernanceRootKeys map[string]string
	TrustedTimeAuthorityKeys  map[string]string
}

// Default returns a CoreConfig with conservative defaults: strict mode,
// head attestation and manifest signature both required, and
// HashConcurrency resolved to the machine's CPU count.
func Default() CoreConfig {
	return CoreConfig{
		Strict:                   true,
		RequireHeadAttestation:   true,
		RequireManifestSignature: true,
		HashConcurrency:          runtime.NumCPU(),
	}
}

// ResolvedHashConcurrency returns c.HashConcurrency, or runtime.NumCPU() if
// it is zero or negative.
func (c CoreConfig) ResolvedHashConcurrency() int {
	if c.HashConcurrency > 0 {
		return c.HashConcurrency
	}
	return runtime.NumCPU()
}

// LoadTrustConfigFromEnv reads PROXY_DETERMINISTIC_IDS, and JSON-encoded
// key-id→PEM maps from TRUSTED_GOVERNANCE_ROOT_KEYS_JSON and
// TRUSTED_TIME_AUTHORITY_KEYS_JSON, returning a CoreConfig seeded from
// Default(). This mirrors kernel's LoadFromEnv pattern (read env, apply
// defaults, return a value) without introducing any global state — the
// embedder decides whether to call this at all.
func LoadTrustConfigFromEnv() (CoreConfig, error) {
	cfg := Default()

	if v := os.Getenv("PROXY_DETERMINISTIC_IDS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return CoreConfig{}, fmt.Errorf("config: PROXY_DETERMINISTIC_IDS: %w", err)
		}
		cfg.DeterministicIDs = b
	}

	if v := os.Getenv("HASH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return CoreConfig{}, fmt.Errorf("config: HASH_CONCURRENCY must be a positive integer, got %q", v)
		}
		cfg.HashConcurrency = n
	}

	governanceKeys, err := loadKeyMapEnv("TRUSTED_GOVERNANCE_ROOT_KEYS_JSON")
	if err != nil {
		return CoreConfig{}, err
	}
	cfg.TrustedGovernanceRootKeys = governanceKeys

	timeAuthorityKeys, err := loadKeyMapEnv("TRUSTED_TIME_AUTHORITY_KEYS_JSON")
	if err != nil {
		return CoreConfig{}, err
	}
	cfg.TrustedTimeAuthorityKeys = timeAuthorityKeys

	return cfg, nil
}

func loadKeyMapEnv(envVar string) (map[string]string, error) {
	v := os.Getenv(envVar)
	if v == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("config: %s is not a valid JSON object: %w", envVar, err)
	}
	return m, nil
}
