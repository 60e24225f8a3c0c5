// Package kernel wires the relay components together and owns their
// lifecycle. Construction is explicit: every dependency is built in New
// and handed to its consumers, so there are no package-level singletons
// and a test can run as many kernels side by side as it needs.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/relayhq/relay/internal/audit"
	"github.com/relayhq/relay/internal/bus"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/gate"
	"github.com/relayhq/relay/internal/notify"
	"github.com/relayhq/relay/internal/secrets"
)

// Kernel holds the wired component graph. Accessors hand the pieces to
// cmd/ and health; ownership stays here.
type Kernel struct {
	cfg *config.Config

	bus         *bus.Bus
	appender    *audit.Appender
	checkpoints *audit.CheckpointManager
	verifier    *audit.Verifier
	gate        *gate.Engine
	bridge      *audit.Bridge
	router      *notify.Router

	detachBridge func()
	detachRouter func()
	stopWatch    context.CancelFunc
}

// New builds the full component graph from cfg. The signing secret is
// loaded first: without it checkpoints cannot be signed, so a missing
// or weak secret fails construction outright.
func New(cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		return nil, errors.New("kernel: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secret, err := secrets.Load(cfg.Audit.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("kernel: loading audit secret: %w (run: relay keygen)", err)
	}

	checkpoints, err := audit.OpenCheckpoints(audit.CheckpointConfig{
		Path:          cfg.Audit.CheckpointFile,
		EveryEntries:  uint64(cfg.Audit.CheckpointEveryEntries),
		EveryInterval: cfg.Audit.CheckpointEveryInterval,
	}, secret)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening checkpoint log: %w", err)
	}

	appender, err := audit.OpenAppender(audit.AppenderConfig{Path: cfg.Audit.LogFile}, checkpoints)
	if err != nil {
		_ = checkpoints.Close()
		return nil, fmt.Errorf("kernel: opening audit log: %w", err)
	}

	eng, err := gate.New(cfg.Gate.PolicyDir)
	if err != nil {
		_ = appender.Close()
		_ = checkpoints.Close()
		return nil, fmt.Errorf("kernel: loading policy gate: %w", err)
	}

	b := bus.New(bus.Config{HandlerTimeout: cfg.Bus.HandlerTimeout})

	bridge := audit.NewBridge(audit.BridgeConfig{
		MaxRetries:   cfg.Audit.RetryMax,
		RetryBackoff: cfg.Audit.RetryBackoff,
	}, appender, eng)

	rules, err := loadRules(cfg.Notify.RulesFile)
	if err != nil {
		_ = appender.Close()
		_ = checkpoints.Close()
		return nil, fmt.Errorf("kernel: loading notification rules: %w", err)
	}
	router := notify.NewRouter(notify.RouterConfig{
		NotificationsFile: filepath.Join(cfg.DataDir, "notifications.log"),
	}, rules)

	return &Kernel{
		cfg:         cfg,
		bus:         b,
		appender:    appender,
		checkpoints: checkpoints,
		verifier:    audit.NewVerifier(appender, checkpoints),
		gate:        eng,
		bridge:      bridge,
		router:      router,
	}, nil
}

// loadRules reads the notification rules file, falling back to the
// built-in defaults when no file exists yet.
func loadRules(path string) ([]notify.Rule, error) {
	if path == "" {
		return notify.DefaultRules(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			slog.Debug("no notification rules file, using defaults", "path", path)
			return notify.DefaultRules(), nil
		}
		return nil, err
	}
	return notify.LoadRules(path)
}

// Start attaches the audit bridge and the notification router to the
// dispatcher and, when configured, starts the rules file watcher. The
// watcher stops when ctx is cancelled or on Shutdown, whichever first.
func (k *Kernel) Start(ctx context.Context) error {
	detach, err := k.bridge.Attach(k.bus)
	if err != nil {
		return fmt.Errorf("kernel: attaching audit bridge: %w", err)
	}
	k.detachBridge = detach

	detach, err = k.router.Attach(k.bus, audit.Channel, audit.DegradedChannel)
	if err != nil {
		k.detachBridge()
		k.detachBridge = nil
		return fmt.Errorf("kernel: attaching notification router: %w", err)
	}
	k.detachRouter = detach

	if k.cfg.Notify.Watch {
		if _, err := os.Stat(k.cfg.Notify.RulesFile); err == nil {
			wctx, cancel := context.WithCancel(ctx)
			if err := k.router.Watch(wctx, k.cfg.Notify.RulesFile); err != nil {
				cancel()
				slog.Warn("rules watcher not started", "path", k.cfg.Notify.RulesFile, "error", err)
			} else {
				k.stopWatch = cancel
			}
		}
	}

	seq, _, ok := k.appender.Tip()
	attrs := []any{"entries", k.appender.Len(), "checkpoints", k.checkpoints.Len()}
	if ok {
		attrs = append(attrs, "tip_sequence", seq)
	}
	slog.Info("relay kernel started", attrs...)
	return nil
}

// Shutdown detaches subscribers, waits for in-flight handler work to
// settle, and closes the durable stores. ctx bounds the drain; stores
// are closed even when the drain deadline is exceeded.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.stopWatch != nil {
		k.stopWatch()
		k.stopWatch = nil
	}
	if k.detachRouter != nil {
		k.detachRouter()
		k.detachRouter = nil
	}
	if k.detachBridge != nil {
		k.detachBridge()
		k.detachBridge = nil
	}

	var errs []error
	if err := k.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining dispatcher: %w", err))
	}
	if err := k.appender.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit log: %w", err))
	}
	if err := k.checkpoints.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing checkpoint log: %w", err))
	}
	if err := k.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing notification sink: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kernel: shutdown: %w", err)
	}
	slog.Info("relay kernel stopped")
	return nil
}

// Config returns the configuration the kernel was built from.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Bus returns the event dispatcher.
func (k *Kernel) Bus() *bus.Bus { return k.bus }

// Appender returns the audit chain appender.
func (k *Kernel) Appender() *audit.Appender { return k.appender }

// Checkpoints returns the checkpoint manager.
func (k *Kernel) Checkpoints() *audit.CheckpointManager { return k.checkpoints }

// Verifier returns the integrity verifier.
func (k *Kernel) Verifier() *audit.Verifier { return k.verifier }

// Gate returns the policy gate.
func (k *Kernel) Gate() *gate.Engine { return k.gate }

// Router returns the notification router.
func (k *Kernel) Router() *notify.Router { return k.router }
