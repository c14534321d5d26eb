package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/step"
)

// Config declares a plugin in the configuration file.
type Config struct {
	Name      string            `toml:"name" mapstructure:"name"`
	Type      string            `toml:"type" mapstructure:"type"`
	Every     string            `toml:"every" mapstructure:"every"`
	StepsFile string            `toml:"steps_file" mapstructure:"steps_file"`
	Steps     string            `toml:"steps" mapstructure:"steps"` // inline JSON object
	Timeout   time.Duration     `toml:"timeout" mapstructure:"timeout"`
	Data      string            `toml:"data" mapstructure:"data"` // inline JSON
	Args      map[string]string `toml:"args" mapstructure:"args"`
}

// FromConfig builds a plugin from its declaration. Only "schedule" is known.
func FromConfig(c Config, logger *slog.Logger) (Plugin, error) {
	switch c.Type {
	case "", "schedule":
		return NewSchedule(c, logger)
	default:
		return nil, fmt.Errorf("plugin %s: unknown type %q", c.Name, c.Type)
	}
}

// Schedule enqueues the same process at a fixed interval.
type Schedule struct {
	name    string
	every   time.Duration
	process queue.Process
	logger  *slog.Logger

	mu       sync.Mutex
	lastFire time.Time
	results  []queue.Record
	now      func() time.Time
}

func NewSchedule(c Config, logger *slog.Logger) (*Schedule, error) {
	if c.Name == "" {
		return nil, errors.New("schedule plugin requires a name")
	}
	every, err := parseEvery(c.Every)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", c.Name, err)
	}
	raw := []byte(c.Steps)
	if c.StepsFile != "" {
		raw, err = os.ReadFile(filepath.Clean(c.StepsFile))
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", c.Name, err)
		}
	}
	var steps step.List
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("plugin %s: steps: %w", c.Name, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plugin %s: no steps", c.Name)
	}
	var data json.RawMessage
	if strings.TrimSpace(c.Data) != "" {
		if !json.Valid([]byte(c.Data)) {
			return nil, fmt.Errorf("plugin %s: data is not valid JSON", c.Name)
		}
		data = json.RawMessage(c.Data)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Schedule{
		name:    c.Name,
		every:   every,
		process: queue.Process{Steps: steps, Timeout: c.Timeout, Data: data, AdditionalArgs: c.Args},
		logger:  logger.With("plugin", c.Name),
		now:     time.Now,
	}, nil
}

// parseEvery accepts "@every <duration>" or a bare duration.
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimSpace(strings.TrimPrefix(expr, "@every"))
	if expr == "" {
		return 0, errors.New("schedule requires an interval")
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

func (s *Schedule) Key() string { return s.name }

// Run enqueues one process when the interval elapsed since the previous one.
func (s *Schedule) Run(ctx context.Context, host Host, _ time.Time) ([]queue.Record, error) {
	s.mu.Lock()
	now := s.now()
	due := s.lastFire.IsZero() || now.Sub(s.lastFire) >= s.every
	if due {
		s.lastFire = now
	}
	s.mu.Unlock()
	if !due {
		return nil, nil
	}
	pid, err := host.StartProcess(ctx, s.process)
	if err != nil {
		return nil, err
	}
	rec, err := host.GetProcessInfo(ctx, pid)
	if err != nil {
		return nil, err
	}
	return []queue.Record{rec}, nil
}

func (s *Schedule) FinishProcess(_ context.Context, rec queue.Record) {
	code := -1
	if rec.ExitCode != nil {
		code = *rec.ExitCode
	}
	s.logger.Info("scheduled process finished", "pid", rec.PID, "state", rec.State, "exit_code", code)
	s.mu.Lock()
	s.results = append(s.results, rec)
	if len(s.results) > 32 {
		s.results = s.results[len(s.results)-32:]
	}
	s.mu.Unlock()
}

// Results returns the most recent finished records.
func (s *Schedule) Results() []queue.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Record(nil), s.results...)
}
