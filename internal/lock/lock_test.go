package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	l := NewFileLock(t.TempDir())
	tok, err := l.Acquire("run|wait")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h, err := Read(tok.Path)
	if err != nil || h.PID != os.Getpid() || h.Identity != "run|wait" {
		t.Fatalf("lock content: %+v %v", h, err)
	}
	// same process may re-acquire its own identity
	if _, err := l.Acquire("run|wait"); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if err := l.Release(tok); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(tok.Path); !os.IsNotExist(err) {
		t.Fatalf("lock file not removed: %v", err)
	}
}

func TestLiveHolderBlocks(t *testing.T) {
	dir := t.TempDir()
	holder := &FileLock{Dir: dir, pid: 4242, Alive: func(Holder) bool { return true }}
	if _, err := holder.Acquire("id"); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	other := &FileLock{Dir: dir, pid: 5151, Alive: func(h Holder) bool { return h.PID == 4242 }}
	if _, err := other.Acquire("id"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := other.Acquire("other-id"); err != nil {
		t.Fatalf("different identity must not conflict: %v", err)
	}
}

func TestDeadHolderIsReplaced(t *testing.T) {
	dir := t.TempDir()
	stale := &FileLock{Dir: dir, pid: 4242}
	if _, err := stale.Acquire("id"); err != nil {
		t.Fatalf("stale acquire: %v", err)
	}
	l := &FileLock{Dir: dir, pid: 5151, Alive: func(Holder) bool { return false }}
	tok, err := l.Acquire("id")
	if err != nil {
		t.Fatalf("acquire over dead holder: %v", err)
	}
	h, _ := Read(tok.Path)
	if h.PID != 5151 {
		t.Fatalf("lock not taken over: %+v", h)
	}
	// releasing a token of the previous holder leaves the new lock alone
	if err := stale.Release(Token{Path: tok.Path, PID: 4242}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(tok.Path); err != nil {
		t.Fatalf("foreign release removed the lock: %v", err)
	}
}

func TestCorruptLockIsReplaced(t *testing.T) {
	l := NewFileLock(t.TempDir())
	if err := os.WriteFile(l.PathFor("id"), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := l.Acquire("id"); err != nil {
		t.Fatalf("acquire over corrupt lock: %v", err)
	}
}

func TestConcurrentAcquireHasOneHolder(t *testing.T) {
	dir := t.TempDir()
	alive := func(Holder) bool { return true }
	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		var held atomic.Int32
		for i := 0; i < 8; i++ {
			l := &FileLock{Dir: dir, pid: 1000 + i, Alive: alive}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Acquire("id"); err == nil {
					held.Add(1)
				} else if !errors.Is(err, ErrHeld) {
					t.Errorf("acquire: %v", err)
				}
			}()
		}
		wg.Wait()
		if n := held.Load(); n != 1 {
			t.Fatalf("round %d: %d holders", round, n)
		}
		path := (&FileLock{Dir: dir}).PathFor("id")
		if _, err := Read(path); err != nil {
			t.Fatalf("round %d: lock file unreadable: %v", round, err)
		}
		if err := os.Remove(path); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}
	if tmp, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(tmp) != 0 {
		t.Fatalf("temporary files left behind: %v", tmp)
	}
}
