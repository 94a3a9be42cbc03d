// Package signer provides Ed25519 key management, canonical JSON
// serialization, detached signing, and signature verification shared by
// the Evidence Builder (signs bundles) and the order pipeline (verifies
// inbound orders). Key loading and order-signature verification are
// adapted from separate single-purpose helpers into one canonical form
// used identically on both the sign and verify paths.
package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize produces the canonical byte form used for both signing and
// verification: JSON with sorted object keys, UTF-8, no whitespace between
// tokens, no trailing newline. A mismatch between sign-time and
// verify-time canonicalization must fail closed, so this function is the
// single implementation both paths share.
func Canonicalize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("signer: unmarshal for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeCanonical recursively writes v with sorted object keys and no
// extraneous whitespace, generalizing a sorted-marshal helper into a
// single compact form shared by signing and verification.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("signer: marshal key %q: %w", k, err)
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("signer: marshal value: %w", err)
		}
		buf.Write(data)
	}
	return nil
}

// CanonicalizeExcluding canonicalizes v (expected to be a
// map[string]interface{} or a struct that marshals to a JSON object)
// after removing the named top-level field — used to recompute the
// canonical form of an order excluding its own `signature` field before
// verifying that signature.
func CanonicalizeExcluding(v interface{}, field string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("signer: not a JSON object: %w", err)
	}
	delete(m, field)
	return Canonicalize(m)
}
