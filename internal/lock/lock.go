// Package lock keeps a single runner alive per identity.
package lock

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/stepq/internal/detector"
)

// ErrHeld is returned when a live process already holds the identity.
var ErrHeld = errors.New("runner lock is held by a live process")

// Token proves ownership of an acquired identity.
type Token struct {
	Identity string
	Path     string
	PID      int
}

// Locker acquires and releases runner identities.
type Locker interface {
	Acquire(identity string) (Token, error)
	Release(Token) error
}

// Liveness reports whether the holder recorded in a lock file still runs.
type Liveness func(holder Holder) bool

// Holder is the content of a lock file.
type Holder struct {
	Identity   string    `json:"identity"`
	PID        int       `json:"pid"`
	StartUnix  int64     `json:"start_unix"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock stores one lock file per identity in Dir.
type FileLock struct {
	Dir   string
	Alive Liveness // optional, defaults to a pid + start time check
	pid   int
}

func NewFileLock(dir string) *FileLock {
	return &FileLock{Dir: dir, pid: os.Getpid()}
}

func processAlive(h Holder) bool {
	ok, err := detector.Process{PID: h.PID, StartUnix: h.StartUnix}.Alive()
	return err == nil && ok
}

func (l *FileLock) alive(h Holder) bool {
	if l.Alive != nil {
		return l.Alive(h)
	}
	return processAlive(h)
}

func (l *FileLock) self() int {
	if l.pid == 0 {
		l.pid = os.Getpid()
	}
	return l.pid
}

// PathFor returns the lock file used for identity.
func (l *FileLock) PathFor(identity string) string {
	sum := sha1.Sum([]byte(identity))
	return filepath.Join(l.Dir, "stepq-runner-"+hex.EncodeToString(sum[:8])+".lock")
}

// Acquire registers the calling process under identity. A lock file left
// by a dead process is replaced.
func (l *FileLock) Acquire(identity string) (Token, error) {
	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return Token{}, err
	}
	path := l.PathFor(identity)
	pid := l.self()
	h := Holder{Identity: identity, PID: pid, StartUnix: detector.StartUnix(pid), AcquiredAt: time.Now().UTC()}
	for attempt := 0; attempt < 2; attempt++ {
		err := create(path, h)
		if err == nil {
			return Token{Identity: identity, Path: path, PID: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return Token{}, err
		}
		cur, rerr := Read(path)
		if rerr == nil && cur.PID == pid {
			return Token{Identity: identity, Path: path, PID: pid}, nil
		}
		if rerr == nil && l.alive(cur) {
			return Token{}, fmt.Errorf("%w: pid %d", ErrHeld, cur.PID)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Token{}, err
		}
	}
	return Token{}, ErrHeld
}

// Release removes the lock file if it still belongs to the token holder.
func (l *FileLock) Release(t Token) error {
	cur, err := Read(t.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.PID != t.PID {
		return nil
	}
	return os.Remove(t.Path)
}

// Read parses a lock file.
func Read(path string) (Holder, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(b, &h); err != nil {
		return Holder{}, fmt.Errorf("corrupt lock file %s: %w", path, err)
	}
	return h, nil
}

// create publishes a complete lock file at path, failing with os.ErrExist
// when one is already there. Readers never observe a partial file.
func create(path string, h Holder) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}
