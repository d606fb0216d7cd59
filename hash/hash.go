// Package hash computes deterministic fingerprints of payload maps for
// change detection, per spec §3/§9: canonical JSON (sorted keys, no
// whitespace, UTF-8 no BOM) hashed with SHA-256.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize serializes v as deterministic JSON: object keys sorted
// recursively, no extraneous whitespace, stable numeric formatting. v must
// be built from map[string]any, []any, string, float64/int, bool, nil (the
// shapes produced by payload.Builder and encoding/json.Unmarshal alike).
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, fmt.Errorf("hash: canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Sum returns the SHA-256 of v's canonical JSON form, and the canonical
// bytes themselves (the event's PayloadJson, §3).
func Sum(v any) (sum [32]byte, canonicalJSON string, err error) {
	b, err := Canonicalize(v)
	if err != nil {
		return sum, "", err
	}
	return sha256.Sum256(b), string(b), nil
}
