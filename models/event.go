package models

import (
	"encoding/json"
	"time"
)

// Event is a single tracked occurrence as it travels from the tracker to the collector.
type Event struct {
	Event       string            `json:"event"`
	EventID     string            `json:"event_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Properties  map[string]any    `json:"properties"`
	Traits      map[string]any    `json:"traits,omitempty"`
	User        UserRef           `json:"user"`
	Session     SessionRef        `json:"session"`
	Page        PageContext       `json:"page"`
	Client      ClientContext     `json:"client"`
	UTM         map[string]string `json:"utm,omitempty"`
	AnonymizeIP bool              `json:"anonymize_ip,omitempty"`
	SentAt      time.Time         `json:"sent_at"`
}

// UserRef is the identity subset attached to every event.
type UserRef struct {
	UserID      *string `json:"user_id"`
	AnonymousID string  `json:"anonymous_id"`
}

type SessionRef struct {
	ID string `json:"id"`
}

// PageContext is a snapshot of the document location at build time.
type PageContext struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	Referrer string `json:"referrer"`
	Search   string `json:"search"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ClientContext describes the device the event was recorded on.
type ClientContext struct {
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Viewport  Size   `json:"viewport"`
	Screen    Size   `json:"screen"`
}

// Batch is the only payload shape on the wire. Unbatched sends carry a single event.
type Batch struct {
	Batch  []Event   `json:"batch"`
	SentAt time.Time `json:"sent_at"`
}

// EventRow is an Event flattened into the analytics_events table layout.
type EventRow struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	AnonymousID string          `json:"anonymousId"`
	UserID      string          `json:"userId"`
	SessionID   string          `json:"sessionId"`
	Timestamp   time.Time       `json:"timestamp"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	PageURL     string          `json:"pageUrl"`
	PagePath    string          `json:"pagePath"`
	PageTitle   string          `json:"pageTitle"`
	Referrer    string          `json:"referrer"`
	UserAgent   string          `json:"userAgent"`
	Language    string          `json:"language"`
	IPAddress   string          `json:"ipAddress"`
	UTM         json.RawMessage `json:"utm,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	Traits      json.RawMessage `json:"traits,omitempty"`
}

type TopPathResult struct {
	PagePath string `json:"pagePath"`
	Count    uint64 `json:"count"`
}

// CountByTime is one bucket of a time-series aggregate.
type CountByTime struct {
	Time      time.Time `json:"time"`
	EventType *string   `json:"eventType,omitempty"`
	Count     uint64    `json:"count"`
}
