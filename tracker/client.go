// Package tracker is the customer data platform tracking client: it resolves the visitor's
// identity, builds events from page and device context, and delivers them to a collector,
// optionally in batches.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mabletask/cdp/models"
	"mabletask/cdp/storage"
	"mabletask/cdp/telemetry"
)

const Version = "1.1.0"

// Reserved property keys that override context instead of being recorded.
const (
	overridePage   = "_page"
	overrideUser   = "_user"
	overrideTraits = "_traits"
)

// EventUserIdentified marks the transition of a profile from one user (or none) to another.
const EventUserIdentified = "user_identified"

// Deps are the host collaborators of a Client. Zero values get in-memory or default
// implementations.
type Deps struct {
	Cookies  storage.Jar
	Session  storage.Jar
	Sender   Sender
	Logger   *zap.Logger
	Metrics  telemetry.Recorder
	Document Document
	Device   Device
	Now      func() time.Time
}

// Client is one tracker instance per host page. All state changes go through its methods,
// which are safe for concurrent use and never return errors to the caller.
type Client struct {
	mu        sync.Mutex
	opts      Options
	identity  Identity
	doc       Document
	device    Device
	sanitizer *Sanitizer

	ids     identityStore
	utm     utmStore
	queue   *Queue
	sender  Sender
	logger  *zap.Logger
	level   *zap.AtomicLevel
	metrics telemetry.Recorder
	now     func() time.Time
}

func NewClient(opts Options, deps Deps) *Client {
	opts = opts.withDefaults()

	c := &Client{
		opts:    opts,
		doc:     deps.Document,
		device:  deps.Device,
		sender:  deps.Sender,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     deps.Now,
		identity: Identity{
			AnonymousID: newID(),
			SessionID:   newID(),
		},
	}
	if c.logger == nil {
		level := zap.NewAtomicLevelAt(levelFor(opts.Debug))
		c.level = &level
		c.logger = newLogger(level)
	}
	if c.metrics == nil {
		c.metrics = telemetry.Noop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sender == nil {
		c.sender = NewDefaultSender(c.logger, c.metrics)
	}

	cookies, session := deps.Cookies, deps.Session
	if cookies == nil {
		cookies = storage.NewMemoryJar()
	}
	if session == nil {
		session = storage.NewMemoryJar()
	}
	c.ids = identityStore{cookies: cookies, session: session, logger: c.logger}
	c.utm = utmStore{session: session, cookies: cookies, logger: c.logger}

	c.sanitizer = c.buildSanitizer(opts.SensitiveData)
	c.queue = NewQueue(opts.BatchSize, opts.BatchWindow(), c.flushBatch)
	return c
}

func levelFor(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.ErrorLevel
}

func newLogger(level zap.AtomicLevel) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("cdp")
}

// Init applies options, then resolves identity from the cookie jar and captures campaign
// attribution from the current URL.
func (c *Client) Init(ctx context.Context, options map[string]any) {
	if options != nil {
		c.Config(options)
	}

	c.mu.Lock()
	adopted := c.adoptedAnonymousID()
	c.identity = c.ids.resolve(c.identity, c.opts, adopted)
	c.utm.capture(c.doc.URL, c.opts)
	identity := c.identity
	c.mu.Unlock()

	c.logger.Debug("CDP initialization complete",
		zap.String("anonymous_id", identity.AnonymousID),
		zap.String("user_id", identity.UserID),
		zap.String("session_id", identity.SessionID))
}

// Config merges known option keys into the current configuration.
func (c *Client) Config(options map[string]any) {
	c.mu.Lock()
	next, err := c.opts.Merge(options)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("Ignoring invalid configuration", zap.Error(err))
		return
	}
	if next.SensitiveData.Enabled != c.opts.SensitiveData.Enabled ||
		next.SensitiveData.AutoHash != c.opts.SensitiveData.AutoHash ||
		next.SensitiveData.Algorithm != c.opts.SensitiveData.Algorithm ||
		!slices.Equal(next.SensitiveData.Patterns, c.opts.SensitiveData.Patterns) {
		c.sanitizer = c.buildSanitizer(next.SensitiveData)
	}
	c.opts = next
	if c.level != nil {
		c.level.SetLevel(levelFor(next.Debug))
	}
	c.queue.Configure(next.BatchSize, next.BatchWindow())
	batching := next.BatchEvents
	c.mu.Unlock()

	if !batching && c.queue.Len() > 0 {
		c.queue.Flush(context.Background(), FlushManual)
	}
	if next.APIKey != "" {
		next.APIKey = "redacted"
	}
	c.logger.Debug("CDP configuration updated", zap.Any("config", next))
}

// Track records a named event. Reserved keys in properties override page, user and traits
// for this event only.
func (c *Client) Track(ctx context.Context, event string, properties map[string]any) {
	c.logger.Debug("Tracking event", zap.String("event", event))

	props, overrides := splitOverrides(properties)

	c.mu.Lock()
	e := c.buildLocked(event, props, overrides)
	c.mu.Unlock()

	c.emit(ctx, e)
}

// Identify records the visitor's traits. A non-empty user_id trait becomes the persisted user
// for this profile; switching users first emits a user_identified marker carrying the
// identity the profile had before.
func (c *Client) Identify(ctx context.Context, traits map[string]any) {
	c.logger.Debug("Identifying user")

	props, overrides := splitOverrides(traits)
	if overrides.traits != nil {
		for k, v := range overrides.traits {
			props[k] = v
		}
		overrides.traits = nil
	}
	userID, ok := userIDOf(props["user_id"])
	if !ok {
		c.logger.Debug("Ignoring user_id that is not a string or number", zap.Any("user_id", props["user_id"]))
	}

	var events []models.Event

	c.mu.Lock()
	if userID != "" && userID != c.identity.UserID {
		previous := c.identity
		c.identity.UserID = userID

		marker := map[string]any{"previous_anonymous_id": previous.AnonymousID}
		if previous.UserID != "" {
			marker["previous_user_id"] = previous.UserID
		} else {
			marker["previous_user_id"] = nil
		}
		events = append(events, c.buildLocked(EventUserIdentified, marker, eventOverrides{}))
	}
	if userID != "" {
		c.ids.persistUser(userID, c.opts)
	}
	overrides.traits = props
	identify := c.buildLocked("identify", map[string]any{}, overrides)
	events = append(events, identify)
	c.mu.Unlock()

	for _, e := range events {
		c.emit(ctx, e)
	}
}

// userIDOf accepts string and numeric ids, as decoded JSON carries numbers as float64.
// A missing id is not an error.
func userIDOf(v any) (string, bool) {
	switch id := v.(type) {
	case nil:
		return "", true
	case string:
		return id, true
	case json.Number:
		return id.String(), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(id), true
	default:
		return "", false
	}
}

// Navigate updates the current document, as a client-side route change would.
func (c *Client) Navigate(doc Document) {
	c.mu.Lock()
	c.doc = doc
	c.utm.capture(doc.URL, c.opts)
	c.mu.Unlock()
}

// Flush sends everything waiting in the batch queue.
func (c *Client) Flush(ctx context.Context) {
	c.queue.Flush(ctx, FlushManual)
}

// Unload flushes unconditionally and waits for in-flight sends, as a page does on unload.
func (c *Client) Unload(ctx context.Context) {
	c.queue.Flush(ctx, FlushUnload)
	if err := c.sender.Close(ctx); err != nil {
		c.logger.Error("Failed to drain sender on unload", zap.Error(err))
	}
}

func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Pending reports how many events are waiting in the batch queue.
func (c *Client) Pending() int {
	return c.queue.Len()
}

func (c *Client) buildSanitizer(cfg SensitiveData) *Sanitizer {
	s, err := NewSanitizer(cfg)
	if err != nil {
		c.logger.Error("Invalid sensitive_data configuration, falling back to sha256", zap.Error(err))
		cfg.Algorithm = ""
		s, _ = NewSanitizer(cfg)
	}
	return s
}

type eventOverrides struct {
	page   map[string]any
	user   map[string]any
	traits map[string]any
}

// splitOverrides copies properties without the reserved keys and returns those separately.
func splitOverrides(properties map[string]any) (map[string]any, eventOverrides) {
	props := make(map[string]any, len(properties))
	var o eventOverrides
	for k, v := range properties {
		switch k {
		case overridePage:
			o.page = asMap(v)
		case overrideUser:
			o.user = asMap(v)
		case overrideTraits:
			o.traits = asMap(v)
		default:
			props[k] = v
		}
	}
	return props, o
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	default:
		return nil
	}
}

// buildLocked assembles an event from the current state. Sensitive values are hashed here, so
// nothing downstream ever sees them in plaintext.
func (c *Client) buildLocked(name string, props map[string]any, o eventOverrides) models.Event {
	now := c.now().UTC().Truncate(time.Millisecond)

	user := models.UserRef{AnonymousID: c.identity.AnonymousID}
	if c.identity.UserID != "" {
		id := c.identity.UserID
		user.UserID = &id
	}
	if id, ok := o.user["user_id"].(string); ok && id != "" {
		user.UserID = &id
	}
	if id, ok := o.user["anonymous_id"].(string); ok && id != "" {
		user.AnonymousID = id
	}

	e := models.Event{
		Event:       name,
		EventID:     newID(),
		Timestamp:   now,
		Properties:  c.sanitizer.Sanitize(props),
		User:        user,
		Session:     models.SessionRef{ID: c.identity.SessionID},
		Page:        PageContextOf(c.doc, o.page),
		Client:      ClientContextOf(c.device),
		UTM:         c.utm.capture(c.doc.URL, c.opts),
		AnonymizeIP: c.opts.AnonymizeIP,
		SentAt:      now,
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	if o.traits != nil {
		e.Traits = c.sanitizer.Sanitize(o.traits)
	}
	return e
}

func (c *Client) emit(ctx context.Context, e models.Event) {
	c.mu.Lock()
	batching := c.opts.BatchEvents
	c.mu.Unlock()

	if batching {
		c.queue.Push(ctx, e)
		return
	}
	c.deliver(ctx, []models.Event{e})
}

func (c *Client) flushBatch(ctx context.Context, events []models.Event, reason string) {
	c.metrics.RecordFlush(ctx, reason, len(events))
	c.deliver(ctx, events)
}

func (c *Client) deliver(ctx context.Context, events []models.Event) {
	c.mu.Lock()
	endpoint, apiKey := c.opts.Endpoint, c.opts.APIKey
	c.mu.Unlock()

	body, err := json.Marshal(models.Batch{Batch: events, SentAt: c.now().UTC().Truncate(time.Millisecond)})
	if err != nil {
		c.logger.Error("Failed to encode events", zap.Int("events", len(events)), zap.Error(err))
		return
	}

	p := Payload{Endpoint: endpoint, APIKey: apiKey, Body: body, Events: len(events)}
	if err := c.sender.Send(ctx, p); err != nil {
		c.logger.Error("Error sending events", zap.Int("events", len(events)), zap.Error(err))
		return
	}
	c.logger.Debug("Events handed to transport", zap.Int("events", len(events)))
}
