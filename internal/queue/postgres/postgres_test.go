package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/step"
)

// startPostgresContainer starts a PostgreSQL container and returns a pgx DSN.
// The test is skipped when Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("stepq"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return ""
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
		cancel()
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/stepq?sslmode=disable", host, port.Port())
	waitForPostgres(t, dsn)
	return dsn
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresQueueLifecycle(t *testing.T) {
	dsn := startPostgresContainer(t)
	q, err := New(dsn, queue.Options{Retention: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	var steps step.List
	_ = json.Unmarshal([]byte(`{"A":{"type":"set"},"B":{"type":"interrupt"},"C":{"type":"set"}}`), &steps)
	pid, err := q.Enqueue(ctx, steps, 10*time.Second, json.RawMessage(`{"n":1}`), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec, ok, err := q.Pluck(ctx)
	if err != nil || !ok || rec.PID != pid || rec.State != queue.StateStarted {
		t.Fatalf("pluck: %+v %v %v", rec, ok, err)
	}
	if err := q.RecordInterrupt(ctx, pid, "B", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if _, err := q.Proceed(ctx, pid, json.RawMessage(`{"m":3}`)); err != nil {
		t.Fatalf("proceed: %v", err)
	}
	rec, err = q.Get(ctx, pid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != queue.StateReady || len(rec.Steps) != 1 || rec.Steps[0].Name != "C" {
		t.Fatalf("after proceed: %+v", rec)
	}
	if _, err := q.Proceed(ctx, pid, nil); !errors.Is(err, queue.ErrNotInterrupted) {
		t.Fatalf("expected ErrNotInterrupted, got %v", err)
	}
	ok, err = q.ClaimPlugin(ctx, "p", "r1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, _ := q.ClaimPlugin(ctx, "p", "r2", time.Minute); ok {
		t.Fatalf("second owner must not claim")
	}
}

func TestPostgresConcurrentPluck(t *testing.T) {
	dsn := startPostgresContainer(t)
	q, err := New(dsn, queue.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = q.Close() }()
	ctx := context.Background()
	const total = 30
	for i := 0; i < total; i++ {
		if _, err := q.Enqueue(ctx, step.List{{Name: "a", Spec: step.Spec{Type: "set"}}}, time.Minute, nil, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, ok, err := q.Pluck(ctx)
				if err != nil {
					t.Errorf("pluck: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if seen[rec.PID] {
					t.Errorf("%s claimed twice", rec.PID)
				}
				seen[rec.PID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("claimed %d, want %d", len(seen), total)
	}
}
