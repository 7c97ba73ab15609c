// Package gateway calls an external LLM gateway to generate evaluation
// configurations and to judge spans.
//
// The gateway speaks JSON over HTTP:
//
//	POST {base}/v1/generate  GenerationRequest -> GeneratedEvaluation
//	POST {base}/v1/run       RunRequest        -> {"passed": bool}
//
// A Client satisfies both hyoka.Generator and hyoka.Runner.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka"
)

const defaultTimeout = 2 * time.Minute

// Client is an HTTP client for the LLM gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a gateway client. A zero timeout uses a two minute default;
// LLM calls are slow.
func New(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type configuration struct {
	Criteria        string `json:"criteria"`
	PassDescription string `json:"passDescription"`
	FailDescription string `json:"failDescription"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
}

type span struct {
	SpanID  string `json:"spanId"`
	TraceID string `json:"traceId"`
}

type generateRequest struct {
	WorkspaceID    int64          `json:"workspaceId"`
	CommitID       int64          `json:"commitId"`
	IssueID        int64          `json:"issueId"`
	DocumentUUID   uuid.UUID      `json:"documentUuid"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	Attempt        int            `json:"generationAttempt"`
	Previous       *configuration `json:"previousConfiguration,omitempty"`
	FalsePositives []span         `json:"falsePositives,omitempty"`
	FalseNegatives []span         `json:"falseNegatives,omitempty"`
}

type generateResponse struct {
	Name          string        `json:"name"`
	Configuration configuration `json:"configuration"`
}

type runRequest struct {
	WorkspaceID    int64         `json:"workspaceId"`
	CommitID       int64         `json:"commitId"`
	EvaluationUUID uuid.UUID     `json:"evaluationUuid"`
	DocumentUUID   uuid.UUID     `json:"documentUuid"`
	Configuration  configuration `json:"configuration"`
	SpanID         string        `json:"spanId"`
	TraceID        string        `json:"traceId"`
}

type runResponse struct {
	Passed *bool `json:"passed"`
}

// Generate asks the gateway for a new evaluation configuration.
func (c *Client) Generate(ctx context.Context, req hyoka.GenerationRequest) (hyoka.GeneratedEvaluation, error) {
	body := generateRequest{
		WorkspaceID:    req.WorkspaceID,
		CommitID:       req.CommitID,
		IssueID:        req.IssueID,
		DocumentUUID:   req.DocumentUUID,
		Provider:       req.ProviderName,
		Model:          req.Model,
		Attempt:        req.Attempt,
		FalsePositives: toSpans(req.FalsePositives),
		FalseNegatives: toSpans(req.FalseNegatives),
	}
	if req.Previous != nil {
		prev := fromPublic(*req.Previous)
		body.Previous = &prev
	}

	var resp generateResponse
	if err := c.post(ctx, "/v1/generate", body, &resp); err != nil {
		return hyoka.GeneratedEvaluation{}, err
	}
	if resp.Configuration.Criteria == "" {
		return hyoka.GeneratedEvaluation{}, errors.New("gateway: generate: empty criteria returned")
	}
	return hyoka.GeneratedEvaluation{
		Name:          resp.Name,
		Configuration: toPublic(resp.Configuration),
	}, nil
}

// Run asks the gateway to judge one span.
func (c *Client) Run(ctx context.Context, req hyoka.RunRequest) (bool, error) {
	var resp runResponse
	err := c.post(ctx, "/v1/run", runRequest{
		WorkspaceID:    req.WorkspaceID,
		CommitID:       req.CommitID,
		EvaluationUUID: req.EvaluationUUID,
		DocumentUUID:   req.DocumentUUID,
		Configuration:  fromPublic(req.Configuration),
		SpanID:         req.Span.SpanID,
		TraceID:        req.Span.TraceID,
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.Passed == nil {
		return false, errors.New("gateway: run: response has no verdict")
	}
	return *resp.Passed, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: string(msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// StatusError is a non-200 gateway response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: %s: status %d: %s", e.Path, e.Code, e.Body)
}

func toSpans(in []hyoka.Span) []span {
	if len(in) == 0 {
		return nil
	}
	out := make([]span, len(in))
	for i, s := range in {
		out[i] = span{SpanID: s.SpanID, TraceID: s.TraceID}
	}
	return out
}

func fromPublic(c hyoka.EvaluationConfiguration) configuration {
	return configuration{
		Criteria:        c.Criteria,
		PassDescription: c.PassDescription,
		FailDescription: c.FailDescription,
		Provider:        c.ProviderName,
		Model:           c.Model,
	}
}

func toPublic(c configuration) hyoka.EvaluationConfiguration {
	return hyoka.EvaluationConfiguration{
		Criteria:        c.Criteria,
		PassDescription: c.PassDescription,
		FailDescription: c.FailDescription,
		ProviderName:    c.Provider,
		Model:           c.Model,
	}
}
