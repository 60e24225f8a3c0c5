package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relayhq/relay/internal/audit"
	"github.com/relayhq/relay/internal/bus"
	"github.com/relayhq/relay/internal/store"
)

// ErrAttached is returned by Attach when the router is already bound
// to a dispatcher.
var ErrAttached = errors.New("notify: router already attached")

// Notification is the normalized payload handed to delivery channels.
type Notification struct {
	Rule       string    `json:"rule"`
	Event      string    `json:"event"`
	Severity   Severity  `json:"severity"`
	Action     string    `json:"action,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	TrustLevel string    `json:"trust_level,omitempty"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}

// RouterConfig controls delivery destinations.
type RouterConfig struct {
	NotificationsFile string        // JSONL sink for the file channel
	HTTPTimeout       time.Duration // webhook client timeout (default 5s)
}

// DefaultRouterConfig returns a RouterConfig with sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		NotificationsFile: "/var/lib/relay/notifications.log",
		HTTPTimeout:       5 * time.Second,
	}
}

// Router subscribes on event channels matched by its rules and fans
// matching events out to delivery channels. Delivery is best effort:
// a failing sink is logged, never retried, and never surfaces as a
// handler fault.
type Router struct {
	cfg    RouterConfig
	client *http.Client

	rulesMu sync.RWMutex
	rules   []Rule

	busMu    sync.Mutex
	b        *bus.Bus
	registry []string          // channels known at attach time, for glob expansion
	subs     map[string]func() // event name -> unsubscribe

	fileMu sync.Mutex
	file   *store.Log
}

// NewRouter creates a router with the given rules; nil rules selects
// DefaultRules.
func NewRouter(cfg RouterConfig, rules []Rule) *Router {
	if cfg.NotificationsFile == "" {
		cfg.NotificationsFile = DefaultRouterConfig().NotificationsFile
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultRouterConfig().HTTPTimeout
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Router{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		rules:  append([]Rule(nil), rules...),
	}
}

// Attach subscribes the router on every channel matched by at least
// one rule and returns its detach function. channels enumerates the
// platform's known event names so that glob rules can be expanded;
// exact rule events subscribe regardless.
func (r *Router) Attach(b *bus.Bus, channels ...string) (func(), error) {
	r.busMu.Lock()
	defer r.busMu.Unlock()
	if r.b != nil {
		return nil, ErrAttached
	}

	r.b = b
	r.registry = append([]string(nil), channels...)
	r.subs = make(map[string]func())
	if err := r.syncLocked(); err != nil {
		r.detachLocked()
		return nil, err
	}

	slog.Debug("notification router attached", "subscriptions", len(r.subs), "rules", len(r.Rules()))
	return r.detach, nil
}

// Reload swaps the rule set and, when attached, re-syncs bus
// subscriptions to the new set.
func (r *Router) Reload(rules []Rule) error {
	if problems := ValidateRules(rules); len(problems) > 0 {
		return fmt.Errorf("invalid rules: %s", strings.Join(problems, "; "))
	}

	r.rulesMu.Lock()
	r.rules = append([]Rule(nil), rules...)
	r.rulesMu.Unlock()

	r.busMu.Lock()
	defer r.busMu.Unlock()
	if r.b == nil {
		return nil
	}
	if err := r.syncLocked(); err != nil {
		return err
	}
	slog.Info("notification rules reloaded", "rules", len(rules))
	return nil
}

// Rules returns a copy of the active rule set.
func (r *Router) Rules() []Rule {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Watch hot-reloads the rules file at path whenever it changes, until
// ctx is canceled.
func (r *Router) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}

	slog.Info("watching rules file for changes", "path", path)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("rules watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					rules, err := LoadRules(path)
					if err != nil {
						slog.Error("failed to reload rules", "path", path, "error", err)
						continue
					}
					if err := r.Reload(rules); err != nil {
						slog.Error("failed to apply reloaded rules", "path", path, "error", err)
					}
				}
				// Atomic replaces drop the watch; re-add so the next
				// change is still seen.
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := watcher.Add(path); err != nil {
						slog.Warn("lost watch on rules file", "path", path, "error", err)
					}
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("rules watch error", "error", err)
			}
		}
	}()

	return nil
}

// Close releases the file sink, if it was opened.
func (r *Router) Close() error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func (r *Router) detach() {
	r.busMu.Lock()
	defer r.busMu.Unlock()
	r.detachLocked()
}

func (r *Router) detachLocked() {
	for _, unsub := range r.subs {
		unsub()
	}
	r.subs = nil
	r.registry = nil
	r.b = nil
}

// syncLocked aligns bus subscriptions with the channels the active
// rules can match. Callers hold busMu.
func (r *Router) syncLocked() error {
	want := make(map[string]bool)
	for _, rule := range r.Rules() {
		if strings.HasSuffix(rule.Event, "*") {
			for _, ch := range r.registry {
				if matchPattern(rule.Event, ch) {
					want[ch] = true
				}
			}
			continue
		}
		want[rule.Event] = true
	}

	for name, unsub := range r.subs {
		if !want[name] {
			unsub()
			delete(r.subs, name)
		}
	}
	for name := range want {
		if _, ok := r.subs[name]; ok {
			continue
		}
		unsub, err := r.b.Subscribe(name, r.handle)
		if err != nil {
			return fmt.Errorf("subscribing on %s: %w", name, err)
		}
		r.subs[name] = unsub
	}
	return nil
}

// handle is the single bus handler shared by all subscriptions. It
// always returns nil: routing problems are the router's to log, not
// the dispatcher's to count.
func (r *Router) handle(ctx context.Context, ev bus.Event) error {
	var (
		rec   audit.Record
		isRec bool
		deg   audit.Degraded
		isDeg bool
	)
	switch p := ev.Payload.(type) {
	case audit.Degraded:
		deg, isDeg = p, true
	default:
		if decoded, err := audit.DecodeRecord(ev.Payload); err == nil {
			rec, isRec = decoded, true
		}
	}

	for _, rule := range r.Rules() {
		if !matchPattern(rule.Event, ev.Name) {
			continue
		}
		if len(rule.Actions) > 0 || rule.MinTrust != "" {
			// Record-level filters never match non-record payloads.
			if !isRec {
				continue
			}
			if !matchAnyAction(rule.Actions, rec.Action) {
				continue
			}
			if !meetsTrust(rec.TrustLevel, rule.MinTrust) {
				continue
			}
		}

		n := Notification{
			Rule:     rule.ID,
			Event:    ev.Name,
			Severity: rule.Severity,
			Summary:  summarize(ev, rec, isRec, deg, isDeg),
			At:       ev.EmittedAt,
		}
		if isRec {
			n.Action = rec.Action
			n.Actor = rec.Actor
			n.TrustLevel = string(rec.TrustLevel)
		}
		r.deliver(ctx, rule, n)
	}
	return nil
}

func matchAnyAction(patterns []string, action string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchPattern(p, action) {
			return true
		}
	}
	return false
}

func summarize(ev bus.Event, rec audit.Record, isRec bool, deg audit.Degraded, isDeg bool) string {
	switch {
	case isDeg:
		return fmt.Sprintf("audit pipeline degraded after %d attempts: %s", deg.Attempts, deg.LastError)
	case isRec:
		return fmt.Sprintf("%s by %s (%s)", rec.Action, rec.Actor, rec.TrustLevel)
	default:
		return fmt.Sprintf("event %s", ev.Name)
	}
}
