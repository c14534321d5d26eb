package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/stepq/internal/history"
)

// Sink indexes each event as a document through the OpenSearch REST API.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type document struct {
	Type       history.EventType `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	PID        string            `json:"pid"`
	State      string            `json:"state"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	ExitStatus string            `json:"exit_status,omitempty"`
	LastStep   string            `json:"last_step,omitempty"`
	Steps      []string          `json:"steps"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{
		Type: e.Type, OccurredAt: e.OccurredAt, PID: e.Record.PID, State: string(e.Record.State),
		ExitCode: e.Record.ExitCode, ExitStatus: e.Record.ExitStatus, LastStep: e.Record.LastCompletedStep,
		Steps: e.Record.Steps.Names(),
	})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
