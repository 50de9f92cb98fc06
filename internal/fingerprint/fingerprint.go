// Package fingerprint derives stable cache keys from a source identifier and a
// parameter set.
package fingerprint

import (
	"bytes"
	"encoding/json"

	"github.com/jmgilman/go/errors"
	digest "github.com/opencontainers/go-digest"
)

// CanonicalParams serializes params with map keys sorted at every level and
// HTML escaping disabled. A nil map serializes as "{}".
//
// Values that have no JSON form (channels, functions, NaN, ±Inf) are rejected
// with CodeInvalidInput.
func CanonicalParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return "", errors.Wrap(err, errors.CodeInvalidInput, "cache parameters are not serializable")
	}

	// Encode terminates the value with a newline.
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// DeriveKey returns the hex SHA-256 of sourceID + ":" + CanonicalParams(params).
//
// Two logically identical parameter sets produce the same key regardless of
// the order their maps were built in.
func DeriveKey(sourceID string, params map[string]any) (string, error) {
	canon, err := CanonicalParams(params)
	if err != nil {
		return "", errors.WithContext(err, "source", sourceID)
	}
	return Of(sourceID, canon), nil
}

// Of hashes an already canonical parameter string.
func Of(sourceID, canonicalParams string) string {
	return digest.SHA256.FromString(sourceID + ":" + canonicalParams).Encoded()
}
