package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/bus"
)

type stubGate struct {
	allow  bool
	reason string
	err    error

	mu    sync.Mutex
	calls []string
}

func (g *stubGate) Authorize(_ context.Context, action, _, _ string) (bool, string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, action)
	g.mu.Unlock()
	return g.allow, g.reason, g.err
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b
}

func drainBus(t *testing.T, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func attachTestBridge(t *testing.T, b *bus.Bus, a *Appender, gate Gate) *Bridge {
	t.Helper()
	br := NewBridge(BridgeConfig{MaxRetries: 1, RetryBackoff: time.Millisecond}, a, gate)
	detach, err := br.Attach(b)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(detach)
	return br
}

func TestBridgeAppendsPublishedRecords(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)
	attachTestBridge(t, b, a, nil)

	// Three shapes publishers actually use: a struct, a pointer, and a
	// loosely typed map.
	b.Publish(Channel, Record{Action: "session.start", Actor: "alice", TrustLevel: TrustStandard})
	b.Publish(Channel, map[string]any{
		"action":      "config.change",
		"actor":       "bob",
		"trust_level": "operator",
		"details":     map[string]any{"key": "notify.watch"},
	})
	b.Publish(Channel, &Record{Action: "session.end", Actor: "alice", TrustLevel: TrustStandard})
	drainBus(t, b)

	entries := a.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	wantActions := []string{"session.start", "config.change", "session.end"}
	for i, e := range entries {
		if e.Sequence != uint64(i) {
			t.Errorf("entry %d sequence = %d, want %d", i, e.Sequence, i)
		}
		if e.Action != wantActions[i] {
			t.Errorf("entry %d action = %q, want %q", i, e.Action, wantActions[i])
		}
		if e.RecordedAt.IsZero() {
			t.Errorf("entry %d RecordedAt not stamped", i)
		}
	}
	if report := VerifyEntries(entries); !report.Valid {
		t.Errorf("bridged chain broken: %s", report.Details)
	}
	if got := b.HandlerErrorCount(); got != 0 {
		t.Errorf("HandlerErrorCount = %d, want 0", got)
	}
}

func TestBridgeRejectsMalformedPayload(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)
	attachTestBridge(t, b, a, nil)

	b.Publish(Channel, 42)
	b.Publish(Channel, map[string]any{"actor": "alice", "trust_level": "standard"}) // no action
	drainBus(t, b)

	if got := a.Len(); got != 0 {
		t.Errorf("entries after malformed publishes = %d, want 0", got)
	}
	if got := b.HandlerErrorCount(); got != 2 {
		t.Errorf("HandlerErrorCount = %d, want 2", got)
	}
}

func TestBridgeGateDeniesRecord(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)
	gate := &stubGate{allow: false, reason: "untrusted actor on system action"}
	attachTestBridge(t, b, a, gate)

	b.Publish(Channel, Record{Action: "system.shutdown", Actor: "mallory", TrustLevel: TrustStandard})
	drainBus(t, b)

	if got := a.Len(); got != 0 {
		t.Errorf("entries after denied publish = %d, want 0", got)
	}
	// A policy denial is a decision, not a handler fault.
	if got := b.HandlerErrorCount(); got != 0 {
		t.Errorf("HandlerErrorCount = %d, want 0", got)
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if len(gate.calls) != 1 || gate.calls[0] != "system.shutdown" {
		t.Errorf("gate calls = %v, want [system.shutdown]", gate.calls)
	}
}

func TestBridgeGateFailsOpen(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)
	gate := &stubGate{err: errors.New("policy engine unavailable")}
	attachTestBridge(t, b, a, gate)

	b.Publish(Channel, Record{Action: "login", Actor: "alice", TrustLevel: TrustStandard})
	drainBus(t, b)

	if got := a.Len(); got != 1 {
		t.Errorf("entries with broken gate = %d, want 1 (fail open)", got)
	}
}

func TestBridgeSignalsDegradedOnPersistentFailure(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)
	attachTestBridge(t, b, a, nil)

	var (
		mu  sync.Mutex
		got []Degraded
	)
	unsub, err := DegradedTopic.Subscribe(b, func(_ context.Context, d Degraded) error {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe degraded: %v", err)
	}
	defer unsub()

	// Take the store away so every append attempt fails.
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b.Publish(Channel, Record{Action: "login", Actor: "alice", TrustLevel: TrustStandard})
	drainBus(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("degraded signals = %d, want 1", len(got))
	}
	if got[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (initial try plus one retry)", got[0].Attempts)
	}
	if got[0].LastError == "" {
		t.Error("LastError not populated")
	}
	if got[0].Reason == "" {
		t.Error("Reason not populated")
	}
}

func TestBridgeValidationFailureIsNotRetried(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)

	br := NewBridge(BridgeConfig{MaxRetries: 3, RetryBackoff: time.Hour}, a, nil)
	detach, err := br.Attach(b)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer detach()

	// An hour-long backoff would hang the drain if the bridge retried
	// what can never succeed.
	start := time.Now()
	b.Publish(Channel, Record{Action: "login", Actor: "", TrustLevel: TrustStandard})
	drainBus(t, b)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("malformed record took %v to settle, retry suspected", elapsed)
	}
	if got := a.Len(); got != 0 {
		t.Errorf("entries = %d, want 0", got)
	}
}

func TestBridgeAttachIsExclusive(t *testing.T) {
	b := newTestBus(t)
	a := openTestAppender(t, nil)

	br := NewBridge(BridgeConfig{}, a, nil)
	detach, err := br.Attach(b)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := br.Attach(b); !errors.Is(err, ErrBridgeAttached) {
		t.Errorf("second Attach = %v, want %v", err, ErrBridgeAttached)
	}

	// Detaching frees the bridge for a fresh attachment.
	detach()
	detach2, err := br.Attach(b)
	if err != nil {
		t.Fatalf("Attach after detach: %v", err)
	}
	detach2()

	if got := b.ListenerCount(Channel); got != 0 {
		t.Errorf("ListenerCount after detach = %d, want 0", got)
	}
}

func TestDecodeRecordShapes(t *testing.T) {
	want := Record{Action: "login", Actor: "alice", TrustLevel: TrustStandard}

	for name, payload := range map[string]any{
		"struct":  want,
		"pointer": &Record{Action: "login", Actor: "alice", TrustLevel: TrustStandard},
		"map": map[string]any{
			"action":      "login",
			"actor":       "alice",
			"trust_level": "standard",
		},
	} {
		rec, err := DecodeRecord(payload)
		if err != nil {
			t.Errorf("%s: DecodeRecord: %v", name, err)
			continue
		}
		if rec.Action != want.Action || rec.Actor != want.Actor || rec.TrustLevel != want.TrustLevel {
			t.Errorf("%s: DecodeRecord = %+v, want %+v", name, rec, want)
		}
	}

	if _, err := DecodeRecord([]byte("login")); !errors.Is(err, ErrPayloadShape) {
		t.Errorf("DecodeRecord on bytes = %v, want %v", err, ErrPayloadShape)
	}
	if _, err := DecodeRecord(nil); !errors.Is(err, ErrPayloadShape) {
		t.Errorf("DecodeRecord on nil = %v, want %v", err, ErrPayloadShape)
	}
}

func TestDecodeRecordMapTimestamp(t *testing.T) {
	stamp := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)

	rec, err := DecodeRecord(map[string]any{
		"action":      "login",
		"actor":       "alice",
		"trust_level": "standard",
		"recorded_at": stamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !rec.RecordedAt.Equal(stamp) {
		t.Errorf("RecordedAt = %v, want %v", rec.RecordedAt, stamp)
	}
}
