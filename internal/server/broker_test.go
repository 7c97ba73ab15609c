package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// testLogger returns a logger for tests that only prints errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBroker() *Broker {
	return &Broker{
		subscribers: make(map[chan []byte]int64),
		logger:      testLogger(),
	}
}

func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := newTestBroker()

	ch1 := broker.Subscribe(0)
	ch2 := broker.Subscribe(0)

	event := formatSSE("evaluationEnded", `{"type":"evaluationEnded"}`)
	broker.broadcast(1, event)

	if got := receive(t, ch1); string(got) != string(event) {
		t.Errorf("ch1: got %q, want %q", got, event)
	}
	if got := receive(t, ch2); string(got) != string(event) {
		t.Errorf("ch2: got %q, want %q", got, event)
	}

	broker.Unsubscribe(ch1)
	event2 := formatSSE("evaluationFailed", `{"type":"evaluationFailed"}`)
	broker.broadcast(1, event2)
	if got := receive(t, ch2); string(got) != string(event2) {
		t.Errorf("ch2: got %q, want %q", got, event2)
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerWorkspaceFilter(t *testing.T) {
	broker := newTestBroker()
	mine := broker.Subscribe(1)
	defer broker.Unsubscribe(mine)

	broker.broadcast(2, formatSSE("evaluationEnded", "other"))
	broker.broadcast(1, formatSSE("evaluationEnded", "mine"))

	if got := receive(t, mine); string(got) != string(formatSSE("evaluationEnded", "mine")) {
		t.Fatalf("filtered subscriber got %q", got)
	}
	select {
	case got := <-mine:
		t.Fatalf("unexpected second event %q", got)
	default:
	}
}

func TestBrokerPublishUsesEventType(t *testing.T) {
	broker := newTestBroker()
	ch := broker.Subscribe(7)
	defer broker.Unsubscribe(ch)

	payload := `{"type":"evaluationFailed","activeEvaluation":{"workspaceId":7,"projectId":1,"workflowUuid":"wf"}}`
	broker.publish("hyoka_evaluation_events", payload)
	broker.publish("hyoka_evaluation_events", "not json")

	want := formatSSE("evaluationFailed", payload)
	if got := receive(t, ch); string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("evaluationEnded", `{"id":"123"}`))
	want := "event: evaluationEnded\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := newTestBroker()

	slow := broker.Subscribe(0)
	fast := broker.Subscribe(0)

	for range 65 {
		broker.broadcast(1, formatSSE("test", "fill"))
	}
	broker.broadcast(1, formatSSE("test", "after-fill"))

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is blocked")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

// scriptedSource replays notifications and fails once to force a reconnect.
type scriptedSource struct {
	mu         sync.Mutex
	payloads   []string
	failed     bool
	reconnects int
}

func (s *scriptedSource) Listen(context.Context, string) error { return nil }

func (s *scriptedSource) WaitForNotification(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return "", "", errors.New("connection reset")
	}
	if len(s.payloads) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return "", "", ctx.Err()
	}
	p := s.payloads[0]
	s.payloads = s.payloads[1:]
	s.mu.Unlock()
	return "hyoka_evaluation_events", p, nil
}

func (s *scriptedSource) ReconnectNotify(context.Context, ...string) error {
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
	return nil
}

func TestBrokerReconnectsAfterError(t *testing.T) {
	payload := `{"type":"evaluationEnded","activeEvaluation":{"workspaceId":1}}`
	src := &scriptedSource{payloads: []string{payload}}
	broker := NewBroker(src, testLogger())
	ch := broker.Subscribe(0)
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(done)
	}()

	select {
	case got := <-ch:
		if string(got) != string(formatSSE("evaluationEnded", payload)) {
			t.Fatalf("got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
	cancel()
	<-done

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.reconnects != 1 {
		t.Fatalf("expected 1 reconnect, got %d", src.reconnects)
	}
}
