package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(server.URL, "secret", 0)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New("", "", 0); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestGenerate(t *testing.T) {
	doc := uuid.New()
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header: %q", got)
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Attempt != 2 || req.DocumentUUID != doc {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Previous == nil || req.Previous.Criteria != "old" {
			t.Errorf("previous configuration not forwarded: %+v", req.Previous)
		}
		if len(req.FalseNegatives) != 1 || req.FalseNegatives[0].SpanID != "s1" {
			t.Errorf("false negatives not forwarded: %+v", req.FalseNegatives)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{
			Name:          "tone",
			Configuration: configuration{Criteria: "new", PassDescription: "p", FailDescription: "f", Model: "m"},
		})
	})

	out, err := c.Generate(context.Background(), hyoka.GenerationRequest{
		DocumentUUID:   doc,
		Attempt:        2,
		Previous:       &hyoka.EvaluationConfiguration{Criteria: "old"},
		FalseNegatives: []hyoka.Span{{SpanID: "s1", TraceID: "t1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Name != "tone" || out.Configuration.Criteria != "new" || out.Configuration.Model != "m" {
		t.Errorf("unexpected evaluation: %+v", out)
	}
}

func TestGenerateEmptyCriteria(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"x","configuration":{}}`))
	})
	if _, err := c.Generate(context.Background(), hyoka.GenerationRequest{}); err == nil {
		t.Fatal("expected error for empty criteria")
	}
}

func TestRun(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"passed": req.SpanID == "good"})
	})

	for _, tt := range []struct {
		spanID string
		want   bool
	}{
		{"good", true},
		{"bad", false},
	} {
		passed, err := c.Run(context.Background(), hyoka.RunRequest{Span: hyoka.Span{SpanID: tt.spanID, TraceID: "t"}})
		if err != nil {
			t.Fatal(err)
		}
		if passed != tt.want {
			t.Errorf("span %s: expected %v, got %v", tt.spanID, tt.want, passed)
		}
	}
}

func TestRunMissingVerdict(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	if _, err := c.Run(context.Background(), hyoka.RunRequest{}); err == nil {
		t.Fatal("expected error for missing verdict")
	}
}

func TestStatusError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, err := c.Run(context.Background(), hyoka.RunRequest{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Path != "/v1/run" {
		t.Errorf("unexpected status error: %+v", se)
	}
}
