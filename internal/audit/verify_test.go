package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// writeEntryLines replaces the entries log with the given chain, one
// JSON record per line, simulating out-of-band edits to the store.
func writeEntryLines(t *testing.T, path string, entries []Entry) {
	t.Helper()
	var buf bytes.Buffer
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshaling entry %d: %v", i, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("rewriting %s: %v", path, err)
	}
}

func writeCheckpointLines(t *testing.T, path string, cps []Checkpoint) {
	t.Helper()
	var buf bytes.Buffer
	for i, cp := range cps {
		data, err := json.Marshal(cp)
		if err != nil {
			t.Fatalf("marshaling checkpoint %d: %v", i, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("rewriting %s: %v", path, err)
	}
}

func TestVerifyChainRoundTrip(t *testing.T) {
	a := openTestAppender(t, nil)
	appendN(t, a, 6)

	report := VerifyEntries(a.Entries())
	if !report.Valid {
		t.Fatalf("chain reported broken: %s", report.Details)
	}
	if report.Checked != 6 {
		t.Errorf("Checked = %d, want 6", report.Checked)
	}
	if report.BrokenAt != -1 {
		t.Errorf("BrokenAt = %d, want -1", report.BrokenAt)
	}
}

func TestVerifyChainDetectsDetailsMutation(t *testing.T) {
	dir := t.TempDir()
	entriesPath := filepath.Join(dir, "entries.log")

	a, err := OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	appendN(t, a, 4)
	entries := a.Entries()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Edit one record's payload on disk without touching its hash.
	entries[2].Details["n"] = "forged"
	writeEntryLines(t, entriesPath, entries)

	v := NewVerifierForPaths(entriesPath, filepath.Join(dir, "checkpoints.log"), testSecret())
	report, err := v.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if report.Valid {
		t.Fatal("mutated chain reported valid")
	}
	if report.BrokenAt != 2 {
		t.Errorf("BrokenAt = %d, want 2", report.BrokenAt)
	}
	if report.Checked != 2 {
		t.Errorf("Checked = %d, want 2 entries verified before the break", report.Checked)
	}
}

func TestVerifyChainDetectsSequenceGap(t *testing.T) {
	a := openTestAppender(t, nil)
	appendN(t, a, 3)

	entries := a.Entries()
	entries[1].Sequence = 5

	report := VerifyEntries(entries)
	if report.Valid {
		t.Fatal("gapped chain reported valid")
	}
	if report.BrokenAt != 1 {
		t.Errorf("BrokenAt = %d, want 1", report.BrokenAt)
	}
}

func TestVerifyChainDetectsRelink(t *testing.T) {
	a := openTestAppender(t, nil)
	appendN(t, a, 3)

	entries := a.Entries()
	entries[2].PrevHash = GenesisHash

	report := VerifyEntries(entries)
	if report.Valid {
		t.Fatal("relinked chain reported valid")
	}
	if report.BrokenAt != 2 {
		t.Errorf("BrokenAt = %d, want 2", report.BrokenAt)
	}
}

func TestVerifyFreshInstall(t *testing.T) {
	dir := t.TempDir()
	v := NewVerifierForPaths(
		filepath.Join(dir, "entries.log"),
		filepath.Join(dir, "checkpoints.log"),
		testSecret())
	ctx := context.Background()

	chain, err := v.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !chain.Valid || chain.Checked != 0 || chain.BrokenAt != -1 {
		t.Errorf("fresh chain report = %+v, want valid and empty", chain)
	}

	cps, err := v.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatalf("VerifyCheckpoints: %v", err)
	}
	if !cps.Valid || cps.Checked != 0 || len(cps.Mismatches) != 0 {
		t.Errorf("fresh checkpoint report = %+v, want valid and empty", cps)
	}
}

func TestVerifyChainErrorsOnUnreadableStore(t *testing.T) {
	dir := t.TempDir()
	entriesPath := filepath.Join(dir, "entries.log")
	if err := os.WriteFile(entriesPath, []byte("not json\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	v := NewVerifierForPaths(entriesPath, filepath.Join(dir, "checkpoints.log"), testSecret())
	if _, err := v.VerifyChain(context.Background()); err == nil {
		t.Error("VerifyChain on unparseable store succeeded, want error")
	}
}

// TestRollbackDetection covers the attack the checkpoints exist for:
// truncate the chain, then regrow it with different content. The
// regrown chain is internally consistent, so chain verification alone
// passes; only the signed tip gives the rollback away.
func TestRollbackDetection(t *testing.T) {
	dir := t.TempDir()
	entriesPath := filepath.Join(dir, "entries.log")
	cpPath := filepath.Join(dir, "checkpoints.log")
	ctx := context.Background()

	a, err := OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	cm, err := OpenCheckpoints(CheckpointConfig{Path: cpPath}, testSecret())
	if err != nil {
		t.Fatalf("OpenCheckpoints: %v", err)
	}

	original := appendN(t, a, 10)
	if _, err := cm.Force(9, original[9].Hash); err != nil {
		t.Fatalf("Force: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close appender: %v", err)
	}
	if err := cm.Close(); err != nil {
		t.Fatalf("Close checkpoints: %v", err)
	}

	// Roll back to the first five entries, then regrow five different
	// ones on top of the surviving tip.
	writeEntryLines(t, entriesPath, original[:5])
	a, err = OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("reopen after truncation: %v", err)
	}
	for i := 0; i < 5; i++ {
		rec := validRecord()
		rec.Action = "shadow.write"
		rec.Details = map[string]any{"i": i}
		if _, err := a.Append(ctx, rec); err != nil {
			t.Fatalf("regrow append %d: %v", i, err)
		}
	}
	_, regrownTip, ok := a.Tip()
	if !ok {
		t.Fatal("regrown appender has no tip")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close regrown appender: %v", err)
	}

	v := NewVerifierForPaths(entriesPath, cpPath, testSecret())

	chain, err := v.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !chain.Valid {
		t.Fatalf("regrown chain reported broken: %s", chain.Details)
	}
	if chain.Checked != 10 {
		t.Errorf("Checked = %d, want 10", chain.Checked)
	}

	cpr, err := v.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatalf("VerifyCheckpoints: %v", err)
	}
	if cpr.Valid {
		t.Fatal("rollback went undetected by checkpoint verification")
	}
	if cpr.Checked != 1 {
		t.Errorf("Checked = %d, want 1", cpr.Checked)
	}
	if len(cpr.Mismatches) != 1 {
		t.Fatalf("mismatches = %d, want exactly 1", len(cpr.Mismatches))
	}
	mm := cpr.Mismatches[0]
	if mm.AtSequence != 9 || mm.Field != "tip_hash" {
		t.Errorf("mismatch = (%d, %q), want (9, tip_hash)", mm.AtSequence, mm.Field)
	}
	if mm.Expected != original[9].Hash {
		t.Errorf("expected tip = %q, want the signed hash %q", mm.Expected, original[9].Hash)
	}
	if mm.Actual != regrownTip {
		t.Errorf("actual tip = %q, want the regrown hash %q", mm.Actual, regrownTip)
	}
}

func TestVerifyCheckpointBeyondTip(t *testing.T) {
	dir := t.TempDir()
	entriesPath := filepath.Join(dir, "entries.log")
	cpPath := filepath.Join(dir, "checkpoints.log")
	ctx := context.Background()

	a, err := OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	cm, err := OpenCheckpoints(CheckpointConfig{Path: cpPath}, testSecret())
	if err != nil {
		t.Fatalf("OpenCheckpoints: %v", err)
	}
	original := appendN(t, a, 10)
	if _, err := cm.Force(9, original[9].Hash); err != nil {
		t.Fatalf("Force: %v", err)
	}
	a.Close()
	cm.Close()

	// Truncate without regrowing: the checkpoint now points past the tip.
	writeEntryLines(t, entriesPath, original[:5])

	v := NewVerifierForPaths(entriesPath, cpPath, testSecret())
	cpr, err := v.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatalf("VerifyCheckpoints: %v", err)
	}
	if cpr.Valid {
		t.Fatal("truncated chain passed checkpoint verification")
	}
	if len(cpr.Mismatches) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(cpr.Mismatches))
	}
	if mm := cpr.Mismatches[0]; mm.Field != "tip_hash" || mm.Actual != "" {
		t.Errorf("mismatch = (%q, actual %q), want (tip_hash, empty actual)", mm.Field, mm.Actual)
	}
}

func TestVerifyCheckpointSignatureTamper(t *testing.T) {
	dir := t.TempDir()
	entriesPath := filepath.Join(dir, "entries.log")
	cpPath := filepath.Join(dir, "checkpoints.log")
	ctx := context.Background()

	a, err := OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	cm, err := OpenCheckpoints(CheckpointConfig{Path: cpPath}, testSecret())
	if err != nil {
		t.Fatalf("OpenCheckpoints: %v", err)
	}
	entries := appendN(t, a, 3)
	cp, err := cm.Force(2, entries[2].Hash)
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	a.Close()
	cm.Close()

	// Forge the signature field; the chain itself stays untouched.
	cp.Signature = "0000000000000000000000000000000000000000000000000000000000000000"
	writeCheckpointLines(t, cpPath, []Checkpoint{cp})

	v := NewVerifierForPaths(entriesPath, cpPath, testSecret())
	cpr, err := v.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatalf("VerifyCheckpoints: %v", err)
	}
	if cpr.Valid {
		t.Fatal("forged signature passed verification")
	}
	if len(cpr.Mismatches) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(cpr.Mismatches))
	}
	if mm := cpr.Mismatches[0]; mm.Field != "signature" || mm.Actual != cp.Signature {
		t.Errorf("mismatch = (%q, actual %q), want (signature, the forged value)", mm.Field, mm.Actual)
	}
}

// Every checkpoint is checked, not just the newest: an attacker who
// rolls back and then accumulates fresh signed checkpoints must still
// evade the old ones.
func TestVerifyChecksEveryCheckpoint(t *testing.T) {
	dir := t.TempDir()
	entriesPath := filepath.Join(dir, "entries.log")
	cpPath := filepath.Join(dir, "checkpoints.log")
	ctx := context.Background()

	a, err := OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	cm, err := OpenCheckpoints(CheckpointConfig{Path: cpPath}, testSecret())
	if err != nil {
		t.Fatalf("OpenCheckpoints: %v", err)
	}
	original := appendN(t, a, 6)
	if _, err := cm.Force(2, original[2].Hash); err != nil {
		t.Fatalf("Force at 2: %v", err)
	}
	if _, err := cm.Force(5, original[5].Hash); err != nil {
		t.Fatalf("Force at 5: %v", err)
	}
	a.Close()

	// Roll back past the newest checkpoint, regrow, and add a fresh
	// legitimate checkpoint over the regrown tip.
	writeEntryLines(t, entriesPath, original[:3])
	a, err = OpenAppender(AppenderConfig{Path: entriesPath}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec := validRecord()
		rec.Action = "shadow.write"
		if _, err := a.Append(ctx, rec); err != nil {
			t.Fatalf("regrow append %d: %v", i, err)
		}
	}
	seq, tip, _ := a.Tip()
	if _, err := cm.Force(seq, tip); err != nil {
		t.Fatalf("Force regrown: %v", err)
	}
	a.Close()
	cm.Close()

	v := NewVerifierForPaths(entriesPath, cpPath, testSecret())
	cpr, err := v.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatalf("VerifyCheckpoints: %v", err)
	}
	if cpr.Checked != 3 {
		t.Errorf("Checked = %d, want all 3 checkpoints", cpr.Checked)
	}
	if cpr.Valid {
		t.Fatal("stale checkpoint did not flag the rollback")
	}
	if len(cpr.Mismatches) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(cpr.Mismatches))
	}
	// The checkpoint at sequence 2 predates the truncation point and
	// still matches; only the stale one at 5 diverges.
	for _, mm := range cpr.Mismatches {
		if mm.AtSequence == 2 {
			t.Errorf("checkpoint at preserved prefix flagged: %+v", mm)
		}
		if mm.AtSequence != 5 {
			t.Errorf("unexpected mismatch: %+v", mm)
		}
	}
}
