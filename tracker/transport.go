package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"mabletask/cdp/telemetry"
)

// MaxBeaconBytes is the largest payload the beacon sender accepts, the same ceiling browsers
// put on navigator.sendBeacon.
const MaxBeaconBytes = 64 << 10

const defaultRequestTimeout = 10 * time.Second

var (
	ErrSenderClosed      = errors.New("sender closed")
	ErrBeaconUnavailable = errors.New("beacon queue full")
	ErrPayloadTooLarge   = errors.New("payload exceeds beacon limit")
	ErrNoSenders         = errors.New("no senders configured")
)

// Payload is one serialized batch addressed to the collector.
type Payload struct {
	Endpoint string
	APIKey   string
	Body     []byte
	Events   int
}

// Sender delivers payloads. A nil error means the payload was accepted, which for the
// asynchronous senders is not the same as delivered.
type Sender interface {
	Name() string
	Send(ctx context.Context, p Payload) error
	Close(ctx context.Context) error
}

func postJSON(ctx context.Context, client *http.Client, p Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("X-API-KEY", p.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("network error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// BeaconSender hands payloads to a background worker and returns immediately. Like
// sendBeacon it only reports whether the payload was queued.
type BeaconSender struct {
	client *http.Client
	logger *zap.Logger
	queue  chan Payload
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewBeaconSender(client *http.Client, buffer int, logger *zap.Logger) *BeaconSender {
	if buffer <= 0 {
		buffer = 64
	}
	b := &BeaconSender{
		client: client,
		logger: logger,
		queue:  make(chan Payload, buffer),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *BeaconSender) Name() string { return "beacon" }

func (b *BeaconSender) Send(_ context.Context, p Payload) error {
	if len(p.Body) > MaxBeaconBytes {
		return ErrPayloadTooLarge
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrSenderClosed
	}
	select {
	case b.queue <- p:
		return nil
	default:
		return ErrBeaconUnavailable
	}
}

func (b *BeaconSender) run() {
	defer close(b.done)
	for p := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
		err := postJSON(ctx, b.client, p)
		cancel()
		if err != nil {
			b.logger.Error("Beacon error sending events", zap.Int("events", p.Events), zap.Error(err))
			continue
		}
		b.logger.Debug("Events sent successfully via beacon", zap.Int("events", p.Events))
	}
}

// Close stops accepting payloads and waits for queued ones to go out.
func (b *BeaconSender) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		b.client.CloseIdleConnections()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KeepAliveSender posts each payload on its own goroutine, detached from the caller's
// cancellation so it can outlive the page.
type KeepAliveSender struct {
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewKeepAliveSender(client *http.Client, timeout time.Duration, logger *zap.Logger) *KeepAliveSender {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &KeepAliveSender{client: client, logger: logger, timeout: timeout}
}

func (k *KeepAliveSender) Name() string { return "keepalive" }

func (k *KeepAliveSender) Send(ctx context.Context, p Payload) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrSenderClosed
	}
	k.wg.Add(1)
	k.mu.Unlock()

	go func() {
		defer k.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
		defer cancel()
		if err := postJSON(ctx, k.client, p); err != nil {
			k.logger.Error("Fetch error", zap.Int("events", p.Events), zap.Error(err))
			return
		}
		k.logger.Debug("Events sent successfully", zap.Int("events", p.Events))
	}()
	return nil
}

func (k *KeepAliveSender) Close(ctx context.Context) error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		k.client.CloseIdleConnections()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncSender blocks until the collector answers.
type SyncSender struct {
	client *http.Client
}

func NewSyncSender(client *http.Client) *SyncSender {
	return &SyncSender{client: client}
}

func (s *SyncSender) Name() string { return "sync" }

func (s *SyncSender) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, s.client, p)
}

func (s *SyncSender) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// FallbackSender tries each sender in order and stops at the first that accepts the payload.
type FallbackSender struct {
	senders []Sender
	logger  *zap.Logger
	metrics telemetry.Recorder
}

func NewFallbackSender(logger *zap.Logger, metrics telemetry.Recorder, senders ...Sender) *FallbackSender {
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	return &FallbackSender{senders: senders, logger: logger, metrics: metrics}
}

// NewDefaultSender is the beacon, then keep-alive, then synchronous chain.
func NewDefaultSender(logger *zap.Logger, metrics telemetry.Recorder) *FallbackSender {
	client := &http.Client{Timeout: defaultRequestTimeout}
	return NewFallbackSender(logger, metrics,
		NewBeaconSender(client, 64, logger),
		NewKeepAliveSender(client, defaultRequestTimeout, logger),
		NewSyncSender(client),
	)
}

func (f *FallbackSender) Name() string { return "fallback" }

func (f *FallbackSender) Send(ctx context.Context, p Payload) error {
	if len(f.senders) == 0 {
		return ErrNoSenders
	}
	var errs []error
	for _, s := range f.senders {
		err := s.Send(ctx, p)
		f.metrics.RecordDelivery(ctx, s.Name(), p.Events, err)
		if err == nil {
			return nil
		}
		f.logger.Debug("Sender rejected payload, falling back", zap.String("sender", s.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return errors.Join(errs...)
}

func (f *FallbackSender) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f.senders {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
