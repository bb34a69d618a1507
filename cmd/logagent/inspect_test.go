package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/logagent/internal/batch"
	"github.com/tripwire/logagent/internal/sink"
)

func testBatch(id, content string, lines int) batch.Batch {
	return batch.Batch{
		ID:        id,
		Content:   []byte(content),
		Lines:     lines,
		Reason:    batch.ReasonThreshold,
		FlushedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// journal verify
// ---------------------------------------------------------------------------

func TestJournalVerify_Intact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	j, err := sink.OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := j.Emit(ctx, testBatch("a", "error one\nerror two\n", 2)); err != nil {
		t.Fatal(err)
	}
	if err := j.Emit(ctx, testBatch("b", "error three\n", 1)); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "journal", "verify", path)
	if err != nil {
		t.Fatalf("journal verify: %v", err)
	}
	if !strings.Contains(out, "2 batches, 3 lines") {
		t.Errorf("output = %q", out)
	}
}

func TestJournalVerify_Tampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	j, err := sink.OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Emit(context.Background(), testBatch("a", "error one\n", 1)); err != nil {
		t.Fatal(err)
	}
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"lines":1`, `"lines":7`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "journal", "verify", path); err == nil {
		t.Fatal("journal verify accepted a tampered journal")
	}
}

func TestJournalVerify_RequiresPath(t *testing.T) {
	if _, err := execute(t, "journal", "verify"); err == nil {
		t.Fatal("journal verify succeeded without a path")
	}
}

// ---------------------------------------------------------------------------
// spool drain / depth
// ---------------------------------------------------------------------------

func seedSpool(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spool.db")
	sp, err := sink.OpenSpool(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := sp.Emit(context.Background(), testBatch(id, "error "+id+"\n", 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := sp.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeDrained(t *testing.T, out string) []drainedBatch {
	t.Helper()
	var got []drainedBatch
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var b drainedBatch
		if err := json.Unmarshal([]byte(line), &b); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		got = append(got, b)
	}
	return got
}

func TestSpoolDrain_WithoutAckKeepsBatches(t *testing.T) {
	path := seedSpool(t, 3)

	out, err := execute(t, "spool", "drain", path, "--limit", "2")
	if err != nil {
		t.Fatalf("spool drain: %v", err)
	}
	got := decodeDrained(t, out)
	if len(got) != 2 {
		t.Fatalf("printed %d batches, want 2: %q", len(got), out)
	}
	if got[0].BatchID != "a" || got[1].BatchID != "b" {
		t.Errorf("order = %s,%s, want a,b", got[0].BatchID, got[1].BatchID)
	}
	if got[0].Content != "error a\n" || got[0].Reason != "threshold" {
		t.Errorf("first batch = %+v", got[0])
	}
	if !strings.Contains(out, "3 still pending") {
		t.Errorf("summary missing from %q", out)
	}
}

func TestSpoolDrain_AckRemovesBatches(t *testing.T) {
	path := seedSpool(t, 3)

	if _, err := execute(t, "spool", "drain", path, "--ack"); err != nil {
		t.Fatalf("spool drain --ack: %v", err)
	}
	out, err := execute(t, "spool", "depth", path)
	if err != nil {
		t.Fatalf("spool depth: %v", err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("depth after ack = %q, want 0", out)
	}
}

func TestSpoolDepth(t *testing.T) {
	path := seedSpool(t, 2)
	out, err := execute(t, "spool", "depth", path)
	if err != nil {
		t.Fatalf("spool depth: %v", err)
	}
	if strings.TrimSpace(out) != "2" {
		t.Errorf("depth = %q, want 2", out)
	}
}

func TestSpool_MissingPathIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	for _, sub := range []string{"drain", "depth"} {
		if _, err := execute(t, "spool", sub, path); err == nil {
			t.Errorf("spool %s succeeded on a missing spool", sub)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("spool file was created: %v", err)
	}
}
