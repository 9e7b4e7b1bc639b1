// Package kms implements an eventchain.Signer backed by a remote KMS HTTP
// endpoint, with an mTLS-capable client and a local Ed25519 fallback for
// when the endpoint is unset or unreachable and the caller has not required
// KMS to be authoritative.
package kms

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nooterra/nooterra-sub010/cryptoutil"
)

const defaultTimeout = 3 * time.Second

// ErrKMSRequired is returned when the endpoint is unreachable (or
// unconfigured) and RequireKMS is true, so no local fallback is permitted.
var ErrKMSRequired = errors.New("kms: required but unavailable")

// Options configures a Signer.
type Options struct {
	// Endpoint is the KMS base URL, e.g. "https://kms.internal:8443". If
	// empty, every Sign call falls back to the local key (or fails if
	// RequireKMS is true).
	Endpoint string

	// SignerID is the logical key identifier passed through to the KMS
	// /sign request.
	SignerID string

	// RequireKMS disables the local fallback: Sign fails with
	// ErrKMSRequired instead of falling back when the KMS call fails.
	RequireKMS bool

	// ClientCert, ClientKey, and CACert are PEM-encoded bytes used to build
	// an mTLS-capable *http.Client. All three are optional; client auth is
	// skipped if ClientCert/ClientKey are empty, and server certs are
	// validated against the system roots if CACert is empty.
	ClientCert []byte
	ClientKey  []byte
	CACert     []byte

	// Timeout bounds each HTTP round trip. Defaults to 3s.
	Timeout time.Duration

	// Local is the Ed25519 private key used for the local fallback path.
	// Required unless RequireKMS is true.
	Local ed25519.PrivateKey
}

// Signer implements eventchain.Signer by delegating to a KMS endpoint, with
// a local Ed25519 fallback. It is safe for concurrent use.
type Signer struct {
	client     *http.Client
	endpoint   string
	signerID   string
	requireKMS bool
	local      ed25519.PrivateKey
	localKeyID string
}

type signResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

// New builds a Signer from opts. The returned Signer's KeyID always reflects
// the configured SignerID (KMS path) or the local key's derived key id (pure
// local path); it never changes mid-flight based on which path a given Sign
// call happened to take.
func New(opts Options) (*Signer, error) {
	if opts.Endpoint == "" && opts.RequireKMS {
		return nil, fmt.Errorf("kms: RequireKMS=true but Endpoint is empty")
	}
	if opts.Endpoint == "" && len(opts.Local) == 0 {
		return nil, fmt.Errorf("kms: no Endpoint and no Local key configured")
	}

	client, err := buildHTTPClient(opts.ClientCert, opts.ClientKey, opts.CACert, timeoutOrDefault(opts.Timeout))
	if err != nil {
		return nil, err
	}

	s := &Signer{
		client:     client,
		endpoint:   strings.TrimRight(opts.Endpoint, "/"),
		signerID:   opts.SignerID,
		requireKMS: opts.RequireKMS,
		local:      opts.Local,
	}

	if len(opts.Local) > 0 {
		pub, ok := opts.Local.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("kms: local key is not ed25519")
		}
		keyID, err := cryptoutil.KeyIDFromEd25519PublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("kms: deriving local key id: %w", err)
		}
		s.localKeyID = keyID
	}

	return s, nil
}

// KeyID identifies the signer. It is the configured SignerID if one was set
// (the KMS's own notion of identity), otherwise the derived key id of the
// local fallback key.
func (s *Signer) KeyID() string {
	if s.signerID != "" {
		return s.signerID
	}
	return s.localKeyID
}

// Sign produces a signature over data, preferring the KMS endpoint and
// falling back to the local key on failure unless RequireKMS is set.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	if s.endpoint != "" {
		sig, err := s.signWithKMS(data)
		if err == nil {
			return sig, nil
		}
		if s.requireKMS {
			return nil, fmt.Errorf("%w: %v", ErrKMSRequired, err)
		}
	} else if s.requireKMS {
		return nil, ErrKMSRequired
	}

	if len(s.local) == 0 {
		return nil, fmt.Errorf("kms: signing failed and no local fallback is configured")
	}
	return cryptoutil.SignEd25519(s.local, data), nil
}

func (s *Signer) signWithKMS(data []byte) ([]byte, error) {
	reqBody := map[string]string{
		"payload_b64": base64.StdEncoding.EncodeToString(data),
	}
	if s.signerID != "" {
		reqBody["key_id"] = s.signerID
	}

	var resp signResponse
	if err := s.postWithRetry(s.endpoint+"/sign", reqBody, &resp); err != nil {
		return nil, err
	}
	if resp.SignatureB64 == "" {
		return nil, errors.New("kms: response missing signature_b64")
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid base64 signature: %w", err)
	}
	return sig, nil
}

// postWithRetry performs a single POST with one retry on network timeouts
// or 5xx responses; other errors are returned without retrying.
func (s *Signer) postWithRetry(url string, body interface{}, out interface{}) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err := s.postJSON(url, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.shouldRetry() {
			continue
		}
		return err
	}
	return lastErr
}

func (s *Signer) postJSON(url string, body interface{}, out interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("kms: http %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("kms: decode response: %w", err)
		}
	}
	return nil
}

func buildHTTPClient(certPEM, keyPEM, caPEM []byte, timeout time.Duration) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if len(certPEM) > 0 && len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("kms: loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if len(caPEM) > 0 {
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("kms: failed to parse CA certificate bundle")
		}
		tlsCfg.RootCAs = cp
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return defaultTimeout
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("kms: http %d: %s", e.StatusCode, e.Body)
}

func (e *httpStatusError) shouldRetry() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}
