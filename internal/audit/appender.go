package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/relayhq/relay/internal/store"
)

// Checkpointer receives the chain tip after every successful append. A
// nil Checkpointer disables checkpointing.
type Checkpointer interface {
	MaybeCheckpoint(atSequence uint64, tipHash string) error
}

// AppenderConfig controls the durable entry log.
type AppenderConfig struct {
	Path string // entry log file
}

// DefaultAppenderConfig returns an AppenderConfig with sensible defaults.
func DefaultAppenderConfig() AppenderConfig {
	return AppenderConfig{
		Path: "/var/lib/relay/audit/entries.log",
	}
}

// Appender is the sole writer of the audit chain. It assigns sequence
// numbers, links entries to the chain tip, and appends them durably.
// Single-writer is the operating assumption (only the bridge appends);
// the mutex is defensiveness, not a concurrency contract.
type Appender struct {
	mu      sync.Mutex
	log     *store.Log
	chain   *HashChain
	entries []Entry
	cp      Checkpointer
	closed  bool
}

// OpenAppender opens or creates the entry log at cfg.Path and replays
// it to rebuild the in-memory index and the chain tip.
func OpenAppender(cfg AppenderConfig, cp Checkpointer) (*Appender, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultAppenderConfig().Path
	}

	l, err := store.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening entry log: %w", err)
	}

	a := &Appender{log: l, chain: NewHashChain(), cp: cp}
	if err := a.Load(context.Background()); err != nil {
		l.Close()
		return nil, err
	}

	slog.Debug("audit appender ready", "path", cfg.Path, "entries", len(a.entries))
	return a, nil
}

// Append assigns the next sequence, links the entry to the current tip,
// computes its hash, and writes it durably before updating the index.
// A storage fault leaves the in-memory chain exactly where it was.
func (a *Appender) Append(_ context.Context, rec Record) (Entry, error) {
	if err := rec.Validate(); err != nil {
		return Entry{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Entry{}, ErrAppenderClosed
	}

	e := Entry{
		Action:     rec.Action,
		Actor:      rec.Actor,
		TrustLevel: rec.TrustLevel,
		Details:    rec.Details,
		RecordedAt: rec.RecordedAt.UTC(),
	}
	if rec.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	e.Sequence, e.PrevHash = a.chain.Next()

	hash, err := EntryHash(&e)
	if err != nil {
		return Entry{}, fmt.Errorf("hashing entry %d: %w", e.Sequence, err)
	}
	e.Hash = hash

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshaling entry %d: %w", e.Sequence, err)
	}
	if err := a.log.Append(data); err != nil {
		return Entry{}, fmt.Errorf("appending entry %d: %w", e.Sequence, err)
	}

	a.chain.Commit(e.Sequence, e.Hash)
	a.entries = append(a.entries, e)

	if a.cp != nil {
		// A missed checkpoint degrades rollback detection but must not
		// fail the append that triggered it.
		if err := a.cp.MaybeCheckpoint(e.Sequence, e.Hash); err != nil {
			slog.Error("checkpoint write failed", "at_sequence", e.Sequence, "error", err)
		}
	}
	return e, nil
}

// Load re-reads the durable store into the in-memory index and resets
// the chain tip to the stored tail. Idempotent; safe to call again to
// pick up a store rewritten out-of-band.
func (a *Appender) Load(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAppenderClosed
	}

	var entries []Entry
	err := a.log.Scan(func(rec []byte) error {
		var e Entry
		if err := json.Unmarshal(rec, &e); err != nil {
			return fmt.Errorf("parsing entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading entry log: %w", err)
	}

	a.entries = entries
	if n := len(entries); n > 0 {
		tip := entries[n-1]
		a.chain = NewHashChainFrom(tip.Sequence+1, tip.Hash)
	} else {
		a.chain = NewHashChain()
	}
	return nil
}

// Entries returns a copy of the in-memory index in sequence order.
func (a *Appender) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	for i := range out {
		out[i].Details = maps.Clone(out[i].Details)
	}
	return out
}

// Len reports the number of indexed entries.
func (a *Appender) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Tip returns the last entry's sequence and hash. ok is false for an
// empty chain.
func (a *Appender) Tip() (seq uint64, hash string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return 0, "", false
	}
	last := a.entries[len(a.entries)-1]
	return last.Sequence, last.Hash, true
}

// Path returns the entry log's file path.
func (a *Appender) Path() string {
	return a.log.Path()
}

// Close releases the entry log. Further appends fail with
// ErrAppenderClosed.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.log.Close()
}
