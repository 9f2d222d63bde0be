package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"livecast/internal/livestream"
	"livecast/internal/observability/metrics"
)

type message struct {
	key     string
	payload string
	ttl     time.Duration
}

type fakeClient struct {
	mu        sync.Mutex
	published []message
	stored    map[string]message
	failKey   string
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{stored: make(map[string]message)}
}

func (c *fakeClient) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel == c.failKey {
		return errors.New("connection reset")
	}
	c.published = append(c.published, message{key: channel, payload: string(payload)})
	return nil
}

func (c *fakeClient) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored[key] = message{key: key, payload: string(payload), ttl: ttl}
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) take() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.published
	c.published = nil
	return out
}

type fakeSource struct {
	mu    sync.Mutex
	views []livestream.View
}

func (s *fakeSource) set(views ...livestream.View) {
	s.mu.Lock()
	s.views = views
	s.mu.Unlock()
}

func (s *fakeSource) SnapshotAll() []livestream.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]livestream.View(nil), s.views...)
}

func newTestPublisher(t *testing.T, source Source, client Client, recorder *metrics.Recorder) *Publisher {
	t.Helper()
	p, err := New(Config{
		Source:  source,
		Client:  client,
		TTL:     3 * time.Second,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Client: newFakeClient()}); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := New(Config{Source: &fakeSource{}}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestPublishGroupsByOwner(t *testing.T) {
	started := int64(1_700_000_000)
	source := &fakeSource{}
	source.set(
		livestream.View{ID: 1, Owner: "alice", ActualStart: &started, Label: "live"},
		livestream.View{ID: 2, Owner: "bob", Label: "offline"},
		livestream.View{ID: 3, Owner: "alice", Label: "scheduled"},
	)
	client := newFakeClient()
	p := newTestPublisher(t, source, client, metrics.New())

	if failures := p.publishOnce(context.Background()); failures != 0 {
		t.Fatalf("expected no failures, got %d", failures)
	}
	published := client.take()
	if len(published) != 2 {
		t.Fatalf("expected one message per owner, got %+v", published)
	}
	if published[0].key != "livecast:status:alice" || published[1].key != "livecast:status:bob" {
		t.Fatalf("unexpected channels %+v", published)
	}

	var views []map[string]any
	if err := json.Unmarshal([]byte(published[0].payload), &views); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(views) != 2 || views[0]["id"] != float64(1) || views[0]["status"] != "live" || views[1]["status"] != "scheduled" {
		t.Fatalf("unexpected alice payload %s", published[0].payload)
	}
	stored := client.stored["livecast:status:bob"]
	if stored.ttl != 3*time.Second || stored.payload != published[1].payload {
		t.Fatalf("unexpected stored snapshot %+v", stored)
	}
}

func TestVanishedOwnerGetsOneEmptyArray(t *testing.T) {
	source := &fakeSource{}
	source.set(livestream.View{ID: 1, Owner: "alice", Label: "live"})
	client := newFakeClient()
	p := newTestPublisher(t, source, client, metrics.New())

	p.publishOnce(context.Background())
	client.take()

	source.set()
	p.publishOnce(context.Background())
	published := client.take()
	if len(published) != 1 || published[0].key != "livecast:status:alice" || published[0].payload != "[]" {
		t.Fatalf("expected a final empty array, got %+v", published)
	}

	p.publishOnce(context.Background())
	if published := client.take(); len(published) != 0 {
		t.Fatalf("expected nothing once the owner was cleared, got %+v", published)
	}
}

func TestFailedPushIsCountedAndRetried(t *testing.T) {
	source := &fakeSource{}
	source.set(livestream.View{ID: 1, Owner: "alice", Label: "live"})
	client := newFakeClient()
	recorder := metrics.New()
	p := newTestPublisher(t, source, client, recorder)

	p.publishOnce(context.Background())
	client.take()

	source.set()
	client.failKey = "livecast:status:alice"
	if failures := p.publishOnce(context.Background()); failures != 1 {
		t.Fatalf("expected one failure, got %d", failures)
	}

	client.failKey = ""
	p.publishOnce(context.Background())
	published := client.take()
	if len(published) != 1 || published[0].payload != "[]" {
		t.Fatalf("expected the empty array to be retried, got %+v", published)
	}

	var buf strings.Builder
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "livecast_dashboard_publish_failures_total 1") {
		t.Fatalf("expected failure counter, got:\n%s", buf.String())
	}
}

func TestRunStopsOnCancelAndClosesClient(t *testing.T) {
	source := &fakeSource{}
	source.set(livestream.View{ID: 1, Owner: "alice", Label: "live"})
	client := newFakeClient()
	p, err := New(Config{
		Source:   source,
		Client:   client,
		Interval: 5 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.published)
		client.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("publisher never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.closed {
		t.Fatalf("expected client to be closed")
	}
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), RedisConfig{Addrs: []string{" "}}); err == nil {
		t.Fatalf("expected error without addr")
	}
}
