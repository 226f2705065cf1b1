package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mabletask/cdp/models"
	"mabletask/cdp/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// recordingSender decodes every payload it is handed.
type recordingSender struct {
	mu      sync.Mutex
	batches []models.Batch
	headers []Payload
	err     error
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Send(_ context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	var b models.Batch
	if err := json.Unmarshal(p.Body, &b); err != nil {
		return err
	}
	r.batches = append(r.batches, b)
	r.headers = append(r.headers, p)
	return nil
}

func (r *recordingSender) Close(context.Context) error { return nil }

func (r *recordingSender) Batches() []models.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Batch(nil), r.batches...)
}

func (r *recordingSender) Events() []models.Event {
	var out []models.Event
	for _, b := range r.Batches() {
		out = append(out, b.Batch...)
	}
	return out
}

type testEnv struct {
	client  *Client
	sender  *recordingSender
	cookies *storage.MemoryJar
	session *storage.MemoryJar
	logs    *observer.ObservedLogs
}

func newTestEnv(t *testing.T, opts Options, doc Document) *testEnv {
	t.Helper()
	return newTestEnvWithJars(t, opts, doc, storage.NewMemoryJar(), storage.NewMemoryJar())
}

func newTestEnvWithJars(t *testing.T, opts Options, doc Document, cookies, session *storage.MemoryJar) *testEnv {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	sender := &recordingSender{}
	client := NewClient(opts, Deps{
		Cookies:  cookies,
		Session:  session,
		Sender:   sender,
		Logger:   zap.New(core),
		Document: doc,
		Device: Device{
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
			Language:  "en-US",
			Viewport:  models.Size{Width: 1280, Height: 720},
			Screen:    models.Size{Width: 1920, Height: 1080},
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Unload(ctx)
	})
	return &testEnv{client: client, sender: sender, cookies: cookies, session: session, logs: logs}
}

func landingPage() Document {
	return Document{
		Title:    "Pricing",
		URL:      "https://shop.example.com/pricing?plan=pro",
		Referrer: "https://www.google.com/",
	}
}
