package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhq/relay/internal/secrets"
	"github.com/relayhq/relay/internal/store"
)

// signingLabel binds derived keys to checkpoint signing; other purposes
// derive under their own labels.
const signingLabel = "relay/checkpoint-hmac/v1"

// Checkpoint is a signed snapshot of the chain tip. A bare hash chain
// cannot reveal truncation followed by internally consistent regrowth;
// the HMAC signature over the tip makes that rollback detectable by
// anyone holding the local secret. Checkpoints are immutable and never
// deleted by normal operation.
type Checkpoint struct {
	AtSequence uint64    `json:"at_sequence"`
	TipHash    string    `json:"tip_hash"`
	RecordedAt time.Time `json:"recorded_at"`
	Signature  string    `json:"signature"`
}

// MarshalJSON implements json.Marshaler with RFC 3339 nanosecond UTC
// timestamps.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	type Alias Checkpoint
	return json.Marshal(&struct {
		RecordedAt string `json:"recorded_at"`
		*Alias
	}{
		RecordedAt: c.RecordedAt.UTC().Format(time.RFC3339Nano),
		Alias:      (*Alias)(&c),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	type Alias Checkpoint
	aux := &struct {
		RecordedAt string `json:"recorded_at"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, aux.RecordedAt)
	if err != nil {
		return err
	}
	c.RecordedAt = t
	return nil
}

// CheckpointConfig controls checkpoint cadence and placement.
type CheckpointConfig struct {
	Path          string        // checkpoint log file
	EveryEntries  uint64        // count cadence (default 500)
	EveryInterval time.Duration // wall-clock cadence (default 1h)
}

// DefaultCheckpointConfig returns a CheckpointConfig with sensible
// defaults.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Path:          "/var/lib/relay/audit/checkpoints.log",
		EveryEntries:  500,
		EveryInterval: time.Hour,
	}
}

// CheckpointManager writes signed tip snapshots on a fixed cadence:
// every EveryEntries appended entries or every EveryInterval of wall
// clock, whichever comes first.
type CheckpointManager struct {
	cfg CheckpointConfig
	key []byte // HKDF-derived signing key

	mu     sync.Mutex
	log    *store.Log
	cps    []Checkpoint
	last   time.Time // wall-clock cadence base
	closed bool
}

// OpenCheckpoints opens or creates the checkpoint log at cfg.Path. The
// master secret is mandatory: silently producing unsigned or weakly
// signed checkpoints would defeat the scheme, so a missing or short
// secret fails here, at startup.
func OpenCheckpoints(cfg CheckpointConfig, secret secrets.Key) (*CheckpointManager, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(secret) < secrets.MinKeyBytes {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrWeakSecret, len(secret), secrets.MinKeyBytes)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultCheckpointConfig().Path
	}
	if cfg.EveryEntries == 0 {
		cfg.EveryEntries = DefaultCheckpointConfig().EveryEntries
	}
	if cfg.EveryInterval <= 0 {
		cfg.EveryInterval = DefaultCheckpointConfig().EveryInterval
	}

	l, err := store.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint log: %w", err)
	}

	m := &CheckpointManager{
		cfg:  cfg,
		key:  secret.Derive(signingLabel),
		log:  l,
		last: time.Now().UTC(),
	}
	if err := m.Load(); err != nil {
		l.Close()
		return nil, err
	}

	slog.Debug("checkpoint manager ready",
		"path", cfg.Path,
		"checkpoints", len(m.cps),
		"every_entries", cfg.EveryEntries,
		"every_interval", cfg.EveryInterval)
	return m, nil
}

// MaybeCheckpoint is called by the appender after every append. It
// writes a checkpoint when atSequence completes a count-cadence block
// or when the wall-clock interval since the last checkpoint has
// elapsed, whichever comes first.
func (m *CheckpointManager) MaybeCheckpoint(atSequence uint64, tipHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	countDue := (atSequence+1)%m.cfg.EveryEntries == 0
	clockDue := time.Since(m.last) >= m.cfg.EveryInterval
	if !countDue && !clockDue {
		return nil
	}
	return m.writeLocked(atSequence, tipHash)
}

// Force writes a checkpoint at the given tip regardless of cadence.
func (m *CheckpointManager) Force(atSequence uint64, tipHash string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeLocked(atSequence, tipHash); err != nil {
		return Checkpoint{}, err
	}
	return m.cps[len(m.cps)-1], nil
}

func (m *CheckpointManager) writeLocked(atSequence uint64, tipHash string) error {
	if m.closed {
		return ErrCheckpointsClosed
	}

	cp := Checkpoint{
		AtSequence: atSequence,
		TipHash:    tipHash,
		RecordedAt: time.Now().UTC(),
	}
	cp.Signature = signCheckpoint(m.key, cp.AtSequence, cp.TipHash)

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	if err := m.log.Append(data); err != nil {
		return fmt.Errorf("appending checkpoint at %d: %w", atSequence, err)
	}

	m.cps = append(m.cps, cp)
	m.last = cp.RecordedAt
	slog.Info("checkpoint recorded", "at_sequence", atSequence, "tip_hash", tipHash)
	return nil
}

// Load re-reads the checkpoint log. Idempotent.
func (m *CheckpointManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCheckpointsClosed
	}

	var cps []Checkpoint
	err := m.log.Scan(func(rec []byte) error {
		var cp Checkpoint
		if err := json.Unmarshal(rec, &cp); err != nil {
			return fmt.Errorf("parsing checkpoint %d: %w", len(cps), err)
		}
		cps = append(cps, cp)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading checkpoint log: %w", err)
	}

	m.cps = cps
	if n := len(cps); n > 0 {
		m.last = cps[n-1].RecordedAt
	}
	return nil
}

// Checkpoints returns a copy of the stored checkpoints in write order.
func (m *CheckpointManager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.cps))
	copy(out, m.cps)
	return out
}

// Len reports the number of stored checkpoints.
func (m *CheckpointManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cps)
}

// LastRecordedAt returns the time of the most recent checkpoint, or the
// manager's open time when none exist.
func (m *CheckpointManager) LastRecordedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Interval returns the configured wall-clock cadence.
func (m *CheckpointManager) Interval() time.Duration {
	return m.cfg.EveryInterval
}

// Path returns the checkpoint log's file path.
func (m *CheckpointManager) Path() string {
	return m.log.Path()
}

// Close releases the checkpoint log.
func (m *CheckpointManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.log.Close()
}

// signingKey exposes the derived key to the verifier.
func (m *CheckpointManager) signingKey() []byte {
	return m.key
}

// signCheckpoint computes hex(HMAC-SHA256(key, "atSequence|tipHash")).
func signCheckpoint(key []byte, atSequence uint64, tipHash string) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d|%s", atSequence, tipHash)
	return hex.EncodeToString(mac.Sum(nil))
}
