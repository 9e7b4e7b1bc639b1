// Package artifact implements spec.md §4.6: hashing an externally-produced
// value by canonicalizing it with its own hash field excluded.
package artifact

import (
	"fmt"

	"github.com/nooterra/nooterra-sub010/canonical"
	"github.com/nooterra/nooterra-sub010/cryptoutil"
)

// HashFieldName is the key artifacts carry their own hash under; Hash
// excludes it before canonicalizing, and Verify recomputes against it.
const HashFieldName = "artifactHash"

// Hash computes the artifact hash of value: canonicalize value with
// artifactHash removed, then SHA-256 the result. Only the top-level
// artifactHash key of value is removed.
func Hash(value map[string]interface{}) (string, error) {
	stripped := withoutHashField(value)
	canon, err := canonical.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("artifact: canonicalize: %w", err)
	}
	return cryptoutil.SHA256Hex(canon), nil
}

// Verify reports whether value's stored artifactHash matches the recomputed
// hash of its other fields.
func Verify(value map[string]interface{}) error {
	stored, ok := value[HashFieldName].(string)
	if !ok || stored == "" {
		return fmt.Errorf("artifact: missing %s", HashFieldName)
	}
	want, err := Hash(value)
	if err != nil {
		return err
	}
	if want != stored {
		return fmt.Errorf("artifact: hash mismatch: got %s want %s", stored, want)
	}
	return nil
}

// WithHash returns a copy of value with artifactHash computed and set.
// Nested artifacts embedded by value keep their own already-computed
// artifactHash, since hashing only ever strips the outermost field.
func WithHash(value map[string]interface{}) (map[string]interface{}, error) {
	h, err := Hash(value)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(value)+1)
	for k, v := range value {
		out[k] = v
	}
	out[HashFieldName] = h
	return out, nil
}

func withoutHashField(value map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(value))
	for k, v := range value {
		if k == HashFieldName {
			continue
		}
		out[k] = v
	}
	return out
}
