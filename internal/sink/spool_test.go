package sink_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tripwire/logagent/internal/sink"
)

// openMemSpool opens an in-memory spool and closes it on cleanup.
func openMemSpool(t *testing.T) *sink.SpoolSink {
	t.Helper()
	s, err := sink.OpenSpool(":memory:")
	if err != nil {
		t.Fatalf("OpenSpool(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestOpenSpool_InMemoryEmpty(t *testing.T) {
	s := openMemSpool(t)
	if d := s.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestOpenSpool_FileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	s, err := sink.OpenSpool(path)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Emit(ctx, makeBatch(fmt.Sprintf("b-%d", i), "ERROR x")); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := sink.OpenSpool(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if d := s2.Depth(); d != 3 {
		t.Errorf("Depth after reopen = %d, want 3", d)
	}
}

// ---------------------------------------------------------------------------
// Emit / Dequeue / Ack
// ---------------------------------------------------------------------------

func TestSpool_DequeueReturnsBatchesInOrder(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	want := []string{"first", "second", "third"}
	for _, id := range want {
		if err := s.Emit(ctx, makeBatch(id, "ERROR "+id)); err != nil {
			t.Fatalf("Emit(%s): %v", id, err)
		}
	}

	got, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Dequeue returned %d batches, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Batch.ID != id {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].Batch.ID, id)
		}
		if string(got[i].Batch.Content) != "ERROR "+id+"\n" {
			t.Errorf("got[%d].Content = %q", i, got[i].Batch.Content)
		}
		if got[i].Batch.Lines != 1 {
			t.Errorf("got[%d].Lines = %d, want 1", i, got[i].Batch.Lines)
		}
	}
}

func TestSpool_DuplicateBatchIDIgnored(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()
	b := makeBatch("same", "ERROR x")

	for i := 0; i < 3; i++ {
		if err := s.Emit(ctx, b); err != nil {
			t.Fatalf("Emit #%d: %v", i, err)
		}
	}
	if d := s.Depth(); d != 1 {
		t.Errorf("Depth = %d, want 1", d)
	}
}

func TestSpool_AckRemovesFromPending(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.Emit(ctx, makeBatch(fmt.Sprintf("b-%d", i), "ERROR x")); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	pending, err := s.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	seqs := []int64{pending[0].Seq, pending[1].Seq}
	if err := s.Ack(ctx, seqs); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	// Acking twice must not drive depth negative.
	if err := s.Ack(ctx, seqs); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
	if d := s.Depth(); d != 2 {
		t.Errorf("Depth = %d, want 2", d)
	}

	rest, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(rest) != 2 || rest[0].Batch.ID != "b-2" || rest[1].Batch.ID != "b-3" {
		t.Errorf("remaining = %+v, want b-2 and b-3", rest)
	}
}

func TestSpool_DequeueNonPositive(t *testing.T) {
	s := openMemSpool(t)
	got, err := s.Dequeue(context.Background(), 0)
	if err != nil || got != nil {
		t.Errorf("Dequeue(0) = %v, %v; want nil, nil", got, err)
	}
}

func TestSpool_ConcurrentEmit(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	const workers, per = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if err := s.Emit(ctx, makeBatch(fmt.Sprintf("w%d-%d", w, i), "ERROR x")); err != nil {
					t.Errorf("Emit: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if d := s.Depth(); d != workers*per {
		t.Errorf("Depth = %d, want %d", d, workers*per)
	}
}
