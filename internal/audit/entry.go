// Package audit provides the tamper-evident record of security and
// operational actions: a hash-chained append-only entry log, signed
// checkpoints of the chain tip, verification of both, and the bridge
// that feeds the chain from the event dispatcher.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrustLevel classifies the actor behind an audited action, for
// downstream authorization and audit-severity decisions.
type TrustLevel string

const (
	TrustSystem   TrustLevel = "system"
	TrustOperator TrustLevel = "operator"
	TrustVerified TrustLevel = "verified"
	TrustStandard TrustLevel = "standard"
)

// Valid reports whether t is one of the defined trust levels.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustSystem, TrustOperator, TrustVerified, TrustStandard:
		return true
	}
	return false
}

// Record is the caller-supplied part of an audit entry: what is
// published on the ingestion channel or handed to Appender.Append. The
// appender assigns sequence and link fields.
type Record struct {
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	TrustLevel TrustLevel     `json:"trust_level"`
	Details    map[string]any `json:"details,omitempty"`
	RecordedAt time.Time      `json:"recorded_at,omitempty"`
}

// Validate checks that the required record fields are populated.
func (r *Record) Validate() error {
	if r.Action == "" {
		return ErrMissingAction
	}
	if r.Actor == "" {
		return ErrMissingActor
	}
	if !r.TrustLevel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTrust, r.TrustLevel)
	}
	return nil
}

// Entry is the persisted unit of the audit chain. Sequence is monotonic
// and gapless from 0; PrevHash links each entry to its predecessor
// (GenesisHash for entry 0). Entries are immutable once appended.
type Entry struct {
	Sequence   uint64         `json:"sequence"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	TrustLevel TrustLevel     `json:"trust_level"`
	Details    map[string]any `json:"details,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// MarshalJSON implements json.Marshaler with RFC 3339 nanosecond UTC
// timestamps, so the stored form round-trips to the exact instant that
// was hashed.
func (e Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	return json.Marshal(&struct {
		RecordedAt string `json:"recorded_at"`
		*Alias
	}{
		RecordedAt: e.RecordedAt.UTC().Format(time.RFC3339Nano),
		Alias:      (*Alias)(&e),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type Alias Entry
	aux := &struct {
		RecordedAt string `json:"recorded_at"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, aux.RecordedAt)
	if err != nil {
		return err
	}
	e.RecordedAt = t
	return nil
}
