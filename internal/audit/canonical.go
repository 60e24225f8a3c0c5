package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// canonicalDetails serializes a details map deterministically. The map
// is round-tripped through JSON before the final marshal so hashing
// sees exactly the shape a later reload will see: map keys sorted,
// numbers in their float form, times as strings. The round trip is
// idempotent, which is what makes append-time and verify-time hashes
// comparable.
func canonicalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshaling details: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("normalizing details: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical details: %w", err)
	}
	return out, nil
}

// EntryHash computes the hash field for e: SHA-256 over the fields in
// fixed order, pipe-separated, with the timestamp rendered as RFC 3339
// nanoseconds in UTC. The same logical entry always hashes identically
// across processes.
func EntryHash(e *Entry) (string, error) {
	details, err := canonicalDetails(e.Details)
	if err != nil {
		return "", err
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%s|%s",
		e.Sequence,
		e.Action,
		e.Actor,
		e.TrustLevel,
		details,
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
	)

	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
