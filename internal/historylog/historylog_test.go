package historylog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordSpawnThenRecentReturnsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer log.Close()

	started := time.Unix(1700000000, 0)
	log.RecordSpawn("sess-1", "conpty", "pwsh.exe", 4242, started)

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Recent() returned %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.SessionID != "sess-1" || got.Backend != "conpty" || got.CmdLine != "pwsh.exe" || got.Pid != 4242 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.ExitOK {
		t.Fatalf("entry.ExitOK = true before exit recorded")
	}
}

func TestRecordExitUpdatesExistingRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer log.Close()

	started := time.Unix(1700000000, 0)
	exited := started.Add(5 * time.Second)
	log.RecordSpawn("sess-2", "winpty", "cmd.exe", 99, started)
	log.RecordExit("sess-2", exited, 0, true)

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Recent() returned %d entries, want 1", len(entries))
	}
	got := entries[0]
	if !got.ExitOK {
		t.Fatalf("entry.ExitOK = false, want true")
	}
	if got.ExitCode != 0 {
		t.Fatalf("entry.ExitCode = %d, want 0", got.ExitCode)
	}
	if !got.ExitedAt.Equal(exited) {
		t.Fatalf("entry.ExitedAt = %v, want %v", got.ExitedAt, exited)
	}
}

func TestRecentOrdersByMostRecentFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer log.Close()

	base := time.Unix(1700000000, 0)
	log.RecordSpawn("older", "conpty", "a.exe", 1, base)
	log.RecordSpawn("newer", "conpty", "b.exe", 2, base.Add(time.Minute))

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 || entries[0].SessionID != "newer" || entries[1].SessionID != "older" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestRecentDefaultsLimitWhenNonPositive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer log.Close()

	log.RecordSpawn("sess-3", "conpty", "a.exe", 1, time.Unix(1700000000, 0))

	if _, err := log.Recent(0); err != nil {
		t.Fatalf("Recent(0) error = %v", err)
	}
	if _, err := log.Recent(-5); err != nil {
		t.Fatalf("Recent(-5) error = %v", err)
	}
}
