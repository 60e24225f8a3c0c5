// Package gate screens audit records before they enter the chain. It
// evaluates each record against an OPA policy: the built-in one
// embedded in the binary, or operator-supplied Rego files from a
// policy directory.
package gate

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
)

//go:embed policy.rego
var defaultPolicy []byte

// policyQuery addresses the decision document produced by the audit
// policy package: {"allow": bool, "deny": [reason, ...]}.
const policyQuery = "data.relay.audit"

// Input is the document a policy decision is made over.
type Input struct {
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	TrustLevel string `json:"trust_level"`
}

// Decision is the outcome of a single policy evaluation.
type Decision struct {
	Allowed   bool
	Reasons   []string
	PolicyVer string
	Duration  time.Duration
}

// Engine evaluates admission decisions using embedded OPA. Safe for
// concurrent use; Reload swaps the policy atomically under evaluating
// readers.
type Engine struct {
	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	version string
	source  string
}

// New creates an engine from the Rego files under policyDir. An empty
// policyDir, or a directory without any .rego files, selects the
// built-in policy.
func New(policyDir string) (*Engine, error) {
	e := &Engine{}
	if err := e.load(policyDir); err != nil {
		return nil, fmt.Errorf("initializing policy gate: %w", err)
	}
	slog.Info("policy gate ready", "source", e.source, "version", e.version)
	return e, nil
}

// Evaluate runs a policy decision for the given input. The default is
// deny: a missing or malformed decision document never admits.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	pq := e.query
	version := e.version
	e.mu.RUnlock()

	d := &Decision{PolicyVer: version}

	rs, err := pq.Eval(ctx, rego.EvalInput(map[string]any{
		"action":      in.Action,
		"actor":       in.Actor,
		"trust_level": in.TrustLevel,
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluating policy: %w", err)
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		d.Reasons = []string{"policy produced no decision; default deny"}
		d.Duration = time.Since(start)
		return d, nil
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		d.Reasons = []string{"policy decision has unexpected shape; default deny"}
		d.Duration = time.Since(start)
		return d, nil
	}

	if allow, ok := doc["allow"].(bool); ok {
		d.Allowed = allow
	}
	if deny, ok := doc["deny"].([]any); ok && len(deny) > 0 {
		d.Allowed = false
		for _, reason := range deny {
			d.Reasons = append(d.Reasons, fmt.Sprint(reason))
		}
	}

	d.Duration = time.Since(start)
	return d, nil
}

// Authorize adapts the engine to the audit bridge's gate contract.
func (e *Engine) Authorize(ctx context.Context, action, actor, trustLevel string) (bool, string, error) {
	d, err := e.Evaluate(ctx, Input{Action: action, Actor: actor, TrustLevel: trustLevel})
	if err != nil {
		return false, "", err
	}
	if d.Allowed {
		return true, "", nil
	}
	reason := strings.Join(d.Reasons, "; ")
	if reason == "" {
		reason = "denied by policy"
	}
	slog.Debug("gate denied record",
		"action", action,
		"actor", actor,
		"trust_level", trustLevel,
		"reason", reason)
	return false, reason, nil
}

// Reload replaces the engine's policy from the given directory.
func (e *Engine) Reload(policyDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(policyDir); err != nil {
		return fmt.Errorf("reloading policy gate: %w", err)
	}
	slog.Info("policy gate reloaded", "source", e.source, "version", e.version)
	return nil
}

// Version returns a short digest identifying the loaded policy.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Source reports where the loaded policy came from: "embedded" or the
// policy directory path.
func (e *Engine) Source() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

func (e *Engine) load(policyDir string) error {
	modules := map[string]string{"policy.rego": string(defaultPolicy)}
	source := "embedded"

	if policyDir != "" {
		found, err := findRegoFiles(policyDir)
		if err != nil {
			return fmt.Errorf("finding rego files in %s: %w", policyDir, err)
		}
		if len(found) > 0 {
			modules = found
			source = policyDir
		} else {
			slog.Warn("no rego files found, using built-in policy", "policy_dir", policyDir)
		}
	}

	opts := []func(*rego.Rego){rego.Query(policyQuery)}
	for _, name := range sortedKeys(modules) {
		opts = append(opts, rego.Module(name, modules[name]))
	}
	pq, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing policy query: %w", err)
	}

	e.query = pq
	e.version = hashModules(modules)
	e.source = source
	return nil
}

// DefaultPolicy returns the embedded admission policy source.
func DefaultPolicy() []byte {
	return defaultPolicy
}

// WriteDefaultPolicy writes the embedded policy to the given path as a
// starting point for customization. Parent directories are created if
// they do not exist.
func WriteDefaultPolicy(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, defaultPolicy, 0o644); err != nil {
		return fmt.Errorf("writing policy to %s: %w", path, err)
	}
	return nil
}

// findRegoFiles discovers all .rego files under the given directory.
func findRegoFiles(dir string) (map[string]string, error) {
	files := make(map[string]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", path, readErr)
		}
		relPath, _ := filepath.Rel(dir, path)
		files[relPath] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// hashModules produces a short SHA-256 digest over the policy sources
// for versioning.
func hashModules(modules map[string]string) string {
	h := sha256.New()
	for _, name := range sortedKeys(modules) {
		fmt.Fprintf(h, "%s\x00%s\x00", name, modules[name])
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
