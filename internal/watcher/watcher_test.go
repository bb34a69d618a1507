package watcher_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/logagent/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func quietOptions() watcher.Options {
	return watcher.Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 20 * time.Millisecond,
	}
}

// backends returns every backend usable on this platform.
func backends() []watcher.Backend {
	out := []watcher.Backend{watcher.DefaultBackend()}
	for _, b := range []watcher.Backend{watcher.BackendFSNotify, watcher.BackendPoll} {
		if b != out[0] {
			out = append(out, b)
		}
	}
	return out
}

func openNotifier(t *testing.T, backend watcher.Backend, dir string, interest watcher.Kind) watcher.Notifier {
	t.Helper()
	n, err := watcher.Open(backend, []watcher.WatchTarget{{Dir: dir, Interest: interest}}, quietOptions())
	if err != nil {
		t.Fatalf("Open(%s, %q): %v", backend, dir, err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// waitForEvent calls Wait until an event satisfying match arrives or the
// timeout expires.
func waitForEvent(t *testing.T, n watcher.Notifier, timeout time.Duration, match func(watcher.ChangeEvent) bool) (watcher.ChangeEvent, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		events, err := n.Wait(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, ev := range events {
			if match(ev) {
				return ev, true
			}
		}
	}
	return watcher.ChangeEvent{}, false
}

func byKindAndName(kind watcher.Kind, name string) func(watcher.ChangeEvent) bool {
	return func(ev watcher.ChangeEvent) bool { return ev.Kind == kind && ev.Name == name }
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestOpen_RejectsBadTargets(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cases := []struct {
		name    string
		targets []watcher.WatchTarget
	}{
		{"no targets", nil},
		{"empty dir", []watcher.WatchTarget{{Dir: ""}}},
		{"missing dir", []watcher.WatchTarget{{Dir: filepath.Join(t.TempDir(), "missing")}}},
		{"not a dir", []watcher.WatchTarget{{Dir: file}}},
	}
	for _, tc := range cases {
		for _, b := range backends() {
			t.Run(tc.name+"/"+string(b), func(t *testing.T) {
				if n, err := watcher.Open(b, tc.targets, quietOptions()); err == nil {
					_ = n.Close()
					t.Fatal("expected error, got nil")
				}
			})
		}
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := watcher.Open("carrier-pigeon", []watcher.WatchTarget{{Dir: t.TempDir()}}, quietOptions()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpen_DefaultsInterest(t *testing.T) {
	n := openNotifier(t, watcher.BackendPoll, t.TempDir(), 0)
	targets := n.Targets()
	if len(targets) != 1 || targets[0].Interest != watcher.AllKinds {
		t.Fatalf("Targets = %+v, want AllKinds interest", targets)
	}
}

// ---------------------------------------------------------------------------
// Backends
// ---------------------------------------------------------------------------

func TestNotifier_IdleWaitTimesOut(t *testing.T) {
	for _, b := range backends() {
		t.Run(string(b), func(t *testing.T) {
			n := openNotifier(t, b, t.TempDir(), watcher.AllKinds)

			start := time.Now()
			events, err := n.Wait(30 * time.Millisecond)
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if len(events) != 0 {
				t.Errorf("events = %+v, want none", events)
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("Wait took %v, expected to honour the timeout", elapsed)
			}
		})
	}
}

func TestNotifier_ReportsCreateModifyDelete(t *testing.T) {
	for _, b := range backends() {
		t.Run(string(b), func(t *testing.T) {
			dir := t.TempDir()
			n := openNotifier(t, b, dir, watcher.AllKinds)
			path := filepath.Join(dir, "app.log")

			if err := os.WriteFile(path, []byte("ERROR boot\n"), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			ev, ok := waitForEvent(t, n, 3*time.Second, byKindAndName(watcher.KindCreate, "app.log"))
			if !ok {
				t.Fatal("no create event")
			}
			if ev.Target.Dir != filepath.Clean(dir) {
				t.Errorf("Target.Dir = %q, want %q", ev.Target.Dir, dir)
			}

			time.Sleep(30 * time.Millisecond)
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			if _, err := f.WriteString("ERROR again\n"); err != nil {
				t.Fatalf("WriteString: %v", err)
			}
			_ = f.Close()
			if _, ok := waitForEvent(t, n, 3*time.Second, byKindAndName(watcher.KindModify, "app.log")); !ok {
				t.Fatal("no modify event")
			}

			if err := os.Remove(path); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, ok := waitForEvent(t, n, 3*time.Second, byKindAndName(watcher.KindDelete, "app.log")); !ok {
				t.Fatal("no delete event")
			}
		})
	}
}

func TestNotifier_IgnoresKindsOutsideInterest(t *testing.T) {
	for _, b := range backends() {
		t.Run(string(b), func(t *testing.T) {
			dir := t.TempDir()
			n := openNotifier(t, b, dir, watcher.KindDelete)

			path := filepath.Join(dir, "quiet.log")
			if err := os.WriteFile(path, []byte("ERROR\n"), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if err := os.Remove(path); err != nil {
				t.Fatalf("Remove: %v", err)
			}

			_, ok := waitForEvent(t, n, 3*time.Second, func(ev watcher.ChangeEvent) bool {
				if ev.Kind != watcher.KindDelete {
					t.Errorf("unexpected %s event for %q", ev.Kind, ev.Name)
				}
				return ev.Kind == watcher.KindDelete
			})
			// The poll backend never sees a file that lives shorter than
			// one scan interval.
			if !ok && b != watcher.BackendPoll {
				t.Fatal("no delete event")
			}
		})
	}
}

func TestNotifier_WaitAfterClose(t *testing.T) {
	for _, b := range backends() {
		t.Run(string(b), func(t *testing.T) {
			n, err := watcher.Open(b, []watcher.WatchTarget{{Dir: t.TempDir()}}, quietOptions())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if err := n.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := n.Close(); err != nil {
				t.Fatalf("second Close: %v", err)
			}
			if _, err := n.Wait(10 * time.Millisecond); err == nil {
				t.Fatal("Wait after Close returned nil error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Helpers under test
// ---------------------------------------------------------------------------

func TestResolvePath(t *testing.T) {
	p, truncated := watcher.ResolvePath("/var/log", "app.log")
	if p != "/var/log/app.log" || truncated {
		t.Errorf("ResolvePath = (%q, %v)", p, truncated)
	}

	long := strings.Repeat("d", watcher.MaxPathLen)
	p, truncated = watcher.ResolvePath("/"+long, "app.log")
	if !truncated || len(p) != watcher.MaxPathLen {
		t.Errorf("ResolvePath(long) = (len %d, %v), want (len %d, true)", len(p), truncated, watcher.MaxPathLen)
	}
}

func TestKindString(t *testing.T) {
	tests := map[watcher.Kind]string{
		watcher.KindCreate:                      "create",
		watcher.KindModify:                      "modify",
		watcher.KindDelete:                      "delete",
		watcher.KindCreate | watcher.KindDelete: "create|delete",
		0:                                       "none",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
