// Package dedupe derives the stable identifier under which the event inbox
// guarantees at-most-once storage.
//
// Two paths:
//   - Upstream id present (e.g. a merchant webhook id): the key is
//     "{source}:{upstream_id}", so retransmits of the same delivery collapse.
//   - No upstream id: the key is a hex SHA-256 over a canonical string of the
//     event's identifying fields plus a stable hash of its payload, so
//     semantically identical resubmissions collapse even without a retry id.
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Key returns the dedupe key for a boundary event. Pure and deterministic:
// equal inputs always produce equal keys.
func Key(source, upstreamID, orderID, eventType string, eventTs time.Time, payload []byte) string {
	if upstreamID != "" {
		return source + ":" + upstreamID
	}

	canonical := fmt.Sprintf("%s|%s|%s|%s|%s",
		source,
		orderID,
		eventType,
		eventTs.UTC().Format(time.RFC3339),
		StableHash(payload),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// StableHash returns a hex SHA-256 of the canonical JSON form of payload:
// object keys sorted lexicographically at every depth, no insignificant
// whitespace, numbers kept in their original textual form. Logically equal
// payloads therefore produce bit-equal hash input regardless of the key
// order or formatting the producer used.
//
// Payloads that are not valid JSON are hashed as raw bytes.
func StableHash(payload []byte) string {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON round-trips payload through a generic decode and re-encode.
// Decoding with UseNumber preserves number text exactly; encoding/json emits
// map keys in sorted order at every depth, which is the canonical property
// the hash relies on.
func canonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
