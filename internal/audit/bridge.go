package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhq/relay/internal/bus"
)

// Channel is the reserved ingestion event name. Any component may
// publish records on it; only the bridge subscribes.
const Channel = "audit:log"

// DegradedChannel carries the audit-unavailable signal the bridge emits
// when appends keep failing, so health checks can observe degraded
// audit capability without the original publisher ever noticing.
const DegradedChannel = "audit:unavailable"

// Degraded is the payload published on DegradedChannel.
type Degraded struct {
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// DegradedTopic is the typed topic for the audit-unavailable signal.
var DegradedTopic = bus.NewTopic[Degraded](DegradedChannel)

// Gate decides whether a record may enter the chain. Implementations
// must be safe for concurrent use.
type Gate interface {
	Authorize(ctx context.Context, action, actor, trustLevel string) (allowed bool, reason string, err error)
}

// BridgeConfig controls the bridge's retry behavior on storage faults.
type BridgeConfig struct {
	MaxRetries   int           // retries after the first failed append (default 3)
	RetryBackoff time.Duration // backoff unit between attempts (default 250ms)
}

// DefaultBridgeConfig returns a BridgeConfig with sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		MaxRetries:   3,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// Bridge is the single subscriber on the reserved ingestion channel. It
// decodes published payloads, stamps recording time, consults the gate,
// and forwards to the appender with bounded retries. Publishers are
// fire-and-forget: a failing append never propagates back to them.
type Bridge struct {
	cfg      BridgeConfig
	appender *Appender
	gate     Gate // optional

	mu       sync.Mutex
	attached bool
}

// NewBridge wires a bridge to its appender. gate may be nil, which
// admits every valid record.
func NewBridge(cfg BridgeConfig, a *Appender, gate Gate) *Bridge {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultBridgeConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultBridgeConfig().RetryBackoff
	}
	return &Bridge{cfg: cfg, appender: a, gate: gate}
}

// Attach subscribes the bridge on Channel and returns its detach
// function. A bridge can be attached to one dispatcher at a time.
func (br *Bridge) Attach(b *bus.Bus) (func(), error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.attached {
		return nil, ErrBridgeAttached
	}

	unsub, err := b.Subscribe(Channel, br.handler(b))
	if err != nil {
		return nil, fmt.Errorf("subscribing audit bridge: %w", err)
	}
	br.attached = true
	slog.Debug("audit bridge attached", "channel", Channel)

	return func() {
		unsub()
		br.mu.Lock()
		br.attached = false
		br.mu.Unlock()
	}, nil
}

func (br *Bridge) handler(b *bus.Bus) bus.Handler {
	return func(ctx context.Context, ev bus.Event) error {
		rec, err := DecodeRecord(ev.Payload)
		if err != nil {
			slog.Warn("discarding malformed audit payload", "event_id", ev.ID, "error", err)
			return err
		}
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = time.Now().UTC()
		}

		if br.gate != nil {
			allowed, reason, gerr := br.gate.Authorize(ctx, rec.Action, rec.Actor, string(rec.TrustLevel))
			if gerr != nil {
				// Fail open: a broken policy engine must not blind the
				// audit trail.
				slog.Warn("audit gate evaluation failed, admitting record",
					"action", rec.Action, "error", gerr)
			} else if !allowed {
				slog.Warn("audit record rejected by gate",
					"action", rec.Action,
					"actor", rec.Actor,
					"trust_level", rec.TrustLevel,
					"reason", reason)
				return nil
			}
		}

		entry, err := br.append(ctx, rec)
		if err != nil {
			br.signalDegraded(b, err)
			return fmt.Errorf("audit append: %w", err)
		}
		slog.Debug("audit entry recorded",
			"sequence", entry.Sequence,
			"action", entry.Action,
			"actor", entry.Actor)
		return nil
	}
}

// append retries transient storage faults with linear backoff.
// Validation failures never heal, so they are not retried.
func (br *Bridge) append(ctx context.Context, rec Record) (Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= br.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * br.cfg.RetryBackoff
			slog.Debug("retrying audit append", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Entry{}, fmt.Errorf("retry aborted: %w", ctx.Err())
			}
		}

		entry, err := br.appender.Append(ctx, rec)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, ErrMissingAction) || errors.Is(err, ErrMissingActor) || errors.Is(err, ErrInvalidTrust) {
			return Entry{}, err
		}
		lastErr = err
	}
	return Entry{}, fmt.Errorf("%d attempts exhausted: %w", br.cfg.MaxRetries+1, lastErr)
}

func (br *Bridge) signalDegraded(b *bus.Bus, cause error) {
	slog.Error("audit unavailable", "error", cause)
	DegradedTopic.Publish(b, Degraded{
		Reason:    "append failed after retries",
		Attempts:  br.cfg.MaxRetries + 1,
		LastError: cause.Error(),
	})
}

// DecodeRecord accepts the payload shapes allowed on the ingestion
// channel: a Record, a *Record, or a map carrying the documented keys
// (action, actor, trust_level, details, recorded_at).
func DecodeRecord(payload any) (Record, error) {
	var rec Record
	switch p := payload.(type) {
	case Record:
		rec = p
	case *Record:
		if p == nil {
			return Record{}, fmt.Errorf("%w: nil record", ErrPayloadShape)
		}
		rec = *p
	case map[string]any:
		var err error
		rec, err = recordFromMap(p)
		if err != nil {
			return Record{}, err
		}
	default:
		return Record{}, fmt.Errorf("%w: unsupported payload type %T", ErrPayloadShape, payload)
	}

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func recordFromMap(m map[string]any) (Record, error) {
	rec := Record{}
	if v, ok := m["action"].(string); ok {
		rec.Action = v
	}
	if v, ok := m["actor"].(string); ok {
		rec.Actor = v
	}
	switch v := m["trust_level"].(type) {
	case string:
		rec.TrustLevel = TrustLevel(v)
	case TrustLevel:
		rec.TrustLevel = v
	}
	if v, ok := m["details"].(map[string]any); ok {
		rec.Details = v
	}
	switch v := m["recorded_at"].(type) {
	case time.Time:
		rec.RecordedAt = v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Record{}, fmt.Errorf("%w: bad recorded_at %q", ErrPayloadShape, v)
		}
		rec.RecordedAt = t
	}
	return rec, nil
}
