// Package health runs diagnostic checks over a live kernel: store
// presence, chain and checkpoint integrity, checkpoint freshness,
// keyfile permissions, and dispatcher state. It backs `relay status`.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/audit"
	"github.com/relayhq/relay/internal/kernel"
	"github.com/relayhq/relay/internal/secrets"
	"github.com/relayhq/relay/internal/store"
)

// CheckResult represents the outcome of a single diagnostic check.
type CheckResult struct {
	Name        string `json:"name"`
	Status      string `json:"status"` // pass, fail, warn
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// Report is a collection of check results.
type Report struct {
	Results []CheckResult `json:"results"`
}

// HasFailures returns true if any check failed.
func (r *Report) HasFailures() bool {
	for _, c := range r.Results {
		if c.Status == "fail" {
			return true
		}
	}
	return false
}

// JSON returns the report as formatted JSON.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RunAll executes all diagnostic checks and returns a report.
func RunAll(ctx context.Context, k *kernel.Kernel) *Report {
	checks := []func() CheckResult{
		func() CheckResult { return CheckStores(k) },
		func() CheckResult { return CheckChain(ctx, k) },
		func() CheckResult { return CheckCheckpoints(ctx, k) },
		func() CheckResult { return CheckFreshness(k) },
		func() CheckResult { return CheckSecret(k) },
		func() CheckResult { return CheckPipeline(k) },
		func() CheckResult { return CheckDispatcher(k) },
	}

	report := &Report{}
	for _, check := range checks {
		report.Results = append(report.Results, check())
	}

	return report
}

// CheckStores verifies the entry log is where the appender expects it.
// An empty log is the fresh-install state and passes.
func CheckStores(k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Audit Store"}

	path := k.Appender().Path()
	present, err := store.Exists(path)
	if err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("cannot stat entry log: %v", err)
		return result
	}
	if !present {
		// The appender creates the file on open, so absence means it
		// was removed while the kernel was running.
		result.Status = "fail"
		result.Message = fmt.Sprintf("entry log missing from disk: %s", path)
		result.Remediation = "Restore the entry log from backup, or restart relay to begin a new chain."
		return result
	}

	n := k.Appender().Len()
	if n == 0 {
		result.Status = "pass"
		result.Message = "fresh install: no audit entries yet"
		return result
	}

	result.Status = "pass"
	result.Message = fmt.Sprintf("%d entries at %s", n, path)
	return result
}

// CheckChain re-verifies every entry hash and link from sequence 0.
func CheckChain(ctx context.Context, k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Chain Integrity"}

	report, err := k.Verifier().VerifyChain(ctx)
	if err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("could not read entry log: %v", err)
		return result
	}
	if !report.Valid {
		result.Status = "fail"
		result.Message = fmt.Sprintf("chain broken at sequence %d: %s", report.BrokenAt, report.Details)
		result.Remediation = "The entry log was modified outside relay. Treat entries from the\n" +
			"  broken sequence on as untrusted and restore from backup."
		return result
	}

	result.Status = "pass"
	if report.Checked == 0 {
		result.Message = "empty chain"
	} else {
		result.Message = fmt.Sprintf("chain intact, %d entries verified", report.Checked)
	}
	return result
}

// CheckCheckpoints cross-checks every stored checkpoint against the
// chain. This is what catches a truncate-and-regrow rollback that the
// chain walk alone cannot see.
func CheckCheckpoints(ctx context.Context, k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Checkpoint Integrity"}

	report, err := k.Verifier().VerifyCheckpoints(ctx)
	if err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("could not read checkpoint log: %v", err)
		return result
	}
	if !report.Valid {
		first := report.Mismatches[0]
		result.Status = "fail"
		result.Message = fmt.Sprintf("%d checkpoint mismatch(es); first at sequence %d (%s)",
			len(report.Mismatches), first.AtSequence, first.Field)
		result.Remediation = "The chain no longer matches what was signed. This is the signature\n" +
			"  of history rewritten after the fact, for example truncate-and-regrow."
		return result
	}

	result.Status = "pass"
	if report.Checked == 0 {
		result.Message = "no checkpoints yet"
	} else {
		result.Message = fmt.Sprintf("%d checkpoints verified", report.Checked)
	}
	return result
}

// CheckFreshness warns when the newest checkpoint trails the chain tip
// by more than twice the configured interval.
func CheckFreshness(k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Checkpoint Freshness"}

	tipSeq, _, ok := k.Appender().Tip()
	if !ok {
		result.Status = "pass"
		result.Message = "no entries yet, nothing to checkpoint"
		return result
	}

	cps := k.Checkpoints().Checkpoints()
	if len(cps) == 0 {
		every := k.Config().Audit.CheckpointEveryEntries
		if every > 0 && int(tipSeq)+1 >= every {
			result.Status = "warn"
			result.Message = fmt.Sprintf("%d entries but no checkpoint on disk", tipSeq+1)
			result.Remediation = "Force one: relay checkpoint --force"
			return result
		}
		result.Status = "pass"
		result.Message = "below checkpoint cadence, none due yet"
		return result
	}

	latest := cps[len(cps)-1]
	lastAt := k.Checkpoints().LastRecordedAt()
	if stale(latest, lastAt, tipSeq, k.Checkpoints().Interval()) {
		result.Status = "warn"
		result.Message = fmt.Sprintf("newest checkpoint covers sequence %d, tip is %d, last signed %s ago",
			latest.AtSequence, tipSeq, time.Since(lastAt).Round(time.Second))
		result.Remediation = "Force one: relay checkpoint --force"
		return result
	}

	result.Status = "pass"
	result.Message = fmt.Sprintf("newest checkpoint at sequence %d", latest.AtSequence)
	return result
}

// stale reports whether the newest checkpoint no longer covers the tip
// and is older than twice the cadence interval.
func stale(latest audit.Checkpoint, lastAt time.Time, tipSeq uint64, interval time.Duration) bool {
	if latest.AtSequence >= tipSeq {
		return false
	}
	if interval <= 0 {
		return false
	}
	return time.Since(lastAt) > 2*interval
}

// CheckSecret verifies the signing keyfile is present and private.
func CheckSecret(k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Signing Secret"}

	if env := strings.TrimSpace(os.Getenv(secrets.EnvVar)); env != "" {
		result.Status = "pass"
		result.Message = fmt.Sprintf("secret supplied via %s", secrets.EnvVar)
		return result
	}

	path := k.Config().Audit.SecretFile
	fi, err := os.Lstat(path)
	if err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("keyfile not readable: %v", err)
		result.Remediation = "Generate one: relay keygen"
		return result
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		result.Status = "fail"
		result.Message = fmt.Sprintf("keyfile is a symlink: %s", path)
		result.Remediation = "Replace the symlink with a regular file: relay keygen"
		return result
	}
	if err := secrets.CheckPermissions(fi.Mode()); err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("keyfile %s has mode %04o, readable beyond its owner", path, fi.Mode().Perm())
		result.Remediation = fmt.Sprintf("chmod 600 %s", path)
		return result
	}

	result.Status = "pass"
	result.Message = fmt.Sprintf("keyfile private (mode %04o)", fi.Mode().Perm())
	return result
}

// CheckPipeline verifies something is actually listening on the audit
// ingestion channel; with no subscriber, published records go nowhere.
func CheckPipeline(k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Audit Pipeline"}

	n := k.Bus().ListenerCount(audit.Channel)
	if n == 0 {
		result.Status = "warn"
		result.Message = fmt.Sprintf("no subscriber on %s; published records are not recorded", audit.Channel)
		result.Remediation = "Start the kernel (relay run) so the audit bridge attaches."
		return result
	}

	result.Status = "pass"
	result.Message = fmt.Sprintf("%d subscriber(s) on %s", n, audit.Channel)
	return result
}

// CheckDispatcher reports accumulated handler faults. Faults are
// isolated per subscriber, so they degrade coverage without stopping
// delivery; zero is the healthy state.
func CheckDispatcher(k *kernel.Kernel) CheckResult {
	result := CheckResult{Name: "Dispatcher"}

	if k.Bus() == nil {
		result.Status = "fail"
		result.Message = "dispatcher unavailable"
		return result
	}

	faults := k.Bus().HandlerErrorCount()
	if faults > 0 {
		result.Status = "warn"
		result.Message = fmt.Sprintf("%d handler fault(s) since start", faults)
		result.Remediation = "Check subscriber logs; each fault is one handler invocation whose work was lost."
		return result
	}

	result.Status = "pass"
	result.Message = "no handler faults recorded"
	return result
}

// Stats is the point-in-time snapshot printed by `relay status`.
type Stats struct {
	Entries       int    `json:"entries"`
	Checkpoints   int    `json:"checkpoints"`
	TipSequence   uint64 `json:"tip_sequence"`
	TipHash       string `json:"tip_hash,omitempty"`
	HandlerErrors uint64 `json:"handler_errors"`
	Listeners     int    `json:"listeners"`
}

// CollectStats gathers the snapshot from a live kernel.
func CollectStats(k *kernel.Kernel) Stats {
	s := Stats{
		Entries:       k.Appender().Len(),
		Checkpoints:   k.Checkpoints().Len(),
		HandlerErrors: k.Bus().HandlerErrorCount(),
		Listeners:     k.Bus().ListenerCount(audit.Channel) + k.Bus().ListenerCount(audit.DegradedChannel),
	}
	if seq, hash, ok := k.Appender().Tip(); ok {
		s.TipSequence = seq
		s.TipHash = hash
	}
	return s
}
