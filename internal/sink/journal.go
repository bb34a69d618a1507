package sink

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tripwire/logagent/internal/batch"
)

// GenesisHash is the prev_hash of the first journal entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxJournalLine bounds a single journal line when scanning an existing file.
const maxJournalLine = 64 * 1024 * 1024

// JournalEntry is one line of the batch journal.
//
// Hash is SHA-256 over the JSON encoding of every other field, so editing,
// dropping, or reordering a line breaks the chain at that point.
type JournalEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	BatchID   string    `json:"batch_id"`
	Lines     int       `json:"lines"`
	Reason    string    `json:"reason"`
	Content   []byte    `json:"content"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// journalContent is the hashed subset of JournalEntry.
type journalContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	BatchID   string    `json:"batch_id"`
	Lines     int       `json:"lines"`
	Reason    string    `json:"reason"`
	Content   []byte    `json:"content"`
	PrevHash  string    `json:"prev_hash"`
}

func (e JournalEntry) content() journalContent {
	return journalContent{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		BatchID:   e.BatchID,
		Lines:     e.Lines,
		Reason:    e.Reason,
		Content:   e.Content,
		PrevHash:  e.PrevHash,
	}
}

// Journal is an append-only, hash-chained JSONL file of flushed batches.
// It is safe for concurrent use; a mutex keeps seq and prev_hash consistent.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// OpenJournal opens (or creates) the journal at path. Existing entries are
// verified and the chain continues from the last one; a broken chain is an
// error.
func OpenJournal(path string) (*Journal, error) {
	prevHash, seq := GenesisHash, int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := VerifyJournal(path)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			prevHash, seq = entries[n-1].Hash, entries[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open for appending %q: %w", path, err)
	}
	return &Journal{file: f, prevHash: prevHash, seq: seq}, nil
}

// Emit appends b as the next entry of the chain.
func (j *Journal) Emit(_ context.Context, b batch.Batch) error {
	_, err := j.Append(b)
	return err
}

// Append writes b as a new entry and returns it.
func (j *Journal) Append(b batch.Batch) (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := JournalEntry{
		Seq:       j.seq + 1,
		Timestamp: time.Now().UTC(),
		BatchID:   b.ID,
		Lines:     b.Lines,
		Reason:    string(b.Reason),
		Content:   b.Content,
		PrevHash:  j.prevHash,
	}
	e.Hash = hashJournal(e.content())

	line, err := json.Marshal(e)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return JournalEntry{}, fmt.Errorf("journal: write entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = e.Hash
	return e, nil
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return j.file.Close()
}

// VerifyJournal reads the journal at path and checks the whole chain. It
// returns the entries in order, or the first chain error.
func VerifyJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []JournalEntry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: malformed entry after seq %d: %w", len(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("journal: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		if computed := hashJournal(e.content()); computed != e.Hash {
			return nil, fmt.Errorf("journal: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.Hash, computed)
		}
		entries = append(entries, e)
		prevHash = e.Hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scanning %q: %w", path, err)
	}
	return entries, nil
}

// hashJournal computes the SHA-256 hex digest of the JSON-encoded content.
func hashJournal(c journalContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// journalContent fields are all JSON-serialisable; this is unreachable.
		panic(fmt.Sprintf("journal: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
