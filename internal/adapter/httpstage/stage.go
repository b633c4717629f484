// Package httpstage implements the Stage Contract by calling a remote HTTP
// endpoint per invocation.
//
// The endpoint receives a POST with the read-only snapshot view and answers
// 2xx with either {"result": <json>} or
// {"failure": {"classification": "...", "message": "..."}}.
// Network errors, timeouts, 429 and 5xx are TRANSIENT; any other non-2xx
// status is FATAL.
package httpstage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/domain/stage"
	"github.com/Strob0t/PipelineForge/internal/logger"
)

const maxResponseBytes = 8 << 20

// Request is the body POSTed to a stage endpoint.
type Request struct {
	SessionID string        `json:"session_id"`
	Stage     string        `json:"stage"`
	Fallback  bool          `json:"fallback"`
	Revision  int           `json:"revision"`
	Snapshot  snapshot.View `json:"snapshot"`
}

// Response is the body a stage endpoint answers with.
type Response struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Failure *FailureBody    `json:"failure,omitempty"`
}

// FailureBody is a classified failure reported by the endpoint.
type FailureBody struct {
	Classification snapshot.Classification `json:"classification"`
	Message        string                  `json:"message"`
}

// Stage calls one remote endpoint.
type Stage struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

type stageWithFallback struct {
	*Stage
	fallbackURL string
}

// NewClient returns an HTTP client whose transport records OTel spans.
func NewClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// New builds the stage for ep. When ep has a fallback URL the returned
// stage also implements stage.Fallbacker.
func New(ep config.StageEndpoint, client *http.Client) stage.Stage {
	if client == nil {
		client = NewClient()
	}
	s := &Stage{name: ep.Name, url: ep.URL, timeout: ep.Timeout, client: client}
	if ep.FallbackURL == "" {
		return s
	}
	return &stageWithFallback{Stage: s, fallbackURL: ep.FallbackURL}
}

// Pipeline builds a stage.Pipeline from the configured endpoints in order.
func Pipeline(endpoints []config.StageEndpoint, client *http.Client) (*stage.Pipeline, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no stages configured")
	}
	if client == nil {
		client = NewClient()
	}
	stages := make([]stage.Stage, 0, len(endpoints))
	for _, ep := range endpoints {
		stages = append(stages, New(ep, client))
	}
	return stage.NewPipeline(stages...)
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) Execute(ctx context.Context, view snapshot.View) stage.Outcome {
	return s.call(ctx, s.url, false, view)
}

func (s *stageWithFallback) Fallback(ctx context.Context, view snapshot.View) stage.Outcome {
	return s.call(ctx, s.fallbackURL, true, view)
}

func (s *Stage) call(ctx context.Context, url string, fallback bool, view snapshot.View) stage.Outcome {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	body, err := json.Marshal(Request{
		SessionID: view.SessionID(),
		Stage:     s.name,
		Fallback:  fallback,
		Revision:  view.RevisionCount(),
		Snapshot:  view,
	})
	if err != nil {
		return stage.Failure(snapshot.ClassFatal, fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return stage.Failure(snapshot.ClassFatal, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return stage.Failure(snapshot.ClassTransient, fmt.Sprintf("%s: %v", s.name, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return stage.Failure(snapshot.ClassTransient, fmt.Sprintf("%s: read response: %v", s.name, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return stage.Failure(snapshot.ClassTransient, statusMessage(s.name, resp.StatusCode, data))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return stage.Failure(snapshot.ClassFatal, statusMessage(s.name, resp.StatusCode, data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return stage.Failure(snapshot.ClassFatal, fmt.Sprintf("%s: decode response: %v", s.name, err))
	}
	if out.Failure != nil {
		// An unknown classification is passed through and rejected by the
		// orchestrator as a contract violation.
		return stage.Failure(out.Failure.Classification, out.Failure.Message)
	}
	return stage.Success(out.Result)
}

func statusMessage(name string, code int, body []byte) string {
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("%s: HTTP %d: %s", name, code, bytes.TrimSpace(body))
}
