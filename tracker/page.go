package tracker

import (
	"encoding/json"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"mabletask/cdp/models"
	"mabletask/cdp/storage"
)

const KeyUTM = "cdp_utm"

// Document is the host page as the tracker sees it.
type Document struct {
	Title    string
	URL      string
	Referrer string
}

// Device is the host's user agent and display.
type Device struct {
	UserAgent string
	Language  string
	Viewport  models.Size
	Screen    models.Size
}

// PageContextOf snapshots doc. String overrides for known fields replace the defaults;
// anything else in overrides is ignored.
func PageContextOf(doc Document, overrides map[string]any) models.PageContext {
	page := models.PageContext{
		Title:    doc.Title,
		URL:      doc.URL,
		Referrer: doc.Referrer,
	}
	if u, err := url.Parse(doc.URL); err == nil {
		page.Path = u.Path
		if page.Path == "" && u.Host != "" {
			page.Path = "/"
		}
		if u.RawQuery != "" {
			page.Search = "?" + u.RawQuery
		}
	}

	for key, v := range overrides {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch key {
		case "title":
			page.Title = s
		case "url":
			page.URL = s
		case "path":
			page.Path = s
		case "referrer":
			page.Referrer = s
		case "search":
			page.Search = s
		}
	}
	return page
}

func ClientContextOf(d Device) models.ClientContext {
	return models.ClientContext{
		UserAgent: d.UserAgent,
		Language:  d.Language,
		Viewport:  d.Viewport,
		Screen:    d.Screen,
	}
}

// UTMFromURL returns the utm_* query parameters of rawURL, or nil if there are none.
func UTMFromURL(rawURL string) map[string]string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	var out map[string]string
	for key, values := range u.Query() {
		if !strings.HasPrefix(key, "utm_") || len(values) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[key] = values[0]
	}
	return out
}

// utmStore keeps campaign attribution for the rest of the session once a landing URL carries it.
type utmStore struct {
	session storage.Jar
	cookies storage.Jar
	logger  *zap.Logger
}

// capture returns the attribution in effect for rawURL, persisting it when rawURL has any.
func (s *utmStore) capture(rawURL string, opts Options) map[string]string {
	if found := UTMFromURL(rawURL); found != nil {
		s.persist(found, opts)
		return found
	}
	if stored := s.load(s.session, false); stored != nil {
		return stored
	}
	if opts.UTMCookie {
		return s.load(s.cookies, true)
	}
	return nil
}

func (s *utmStore) persist(utm map[string]string, opts Options) {
	data, err := json.Marshal(utm)
	if err != nil {
		return
	}
	if err := s.session.Set(KeyUTM, string(data), 0); err != nil {
		s.logger.Debug("Failed to store utm parameters", zap.Error(err))
	}
	if opts.UTMCookie {
		if err := s.cookies.Set(KeyUTM, url.QueryEscape(string(data)), opts.CookieTTL()); err != nil {
			s.logger.Debug("Failed to write utm cookie", zap.Error(err))
		}
	}
}

// load reads the stored set from jar. Cookie values are query-escaped.
func (s *utmStore) load(jar storage.Jar, escaped bool) map[string]string {
	raw, ok := jar.Get(KeyUTM)
	if !ok || raw == "" {
		return nil
	}
	if escaped {
		unescaped, err := url.QueryUnescape(raw)
		if err != nil {
			s.logger.Debug("Ignoring malformed utm cookie", zap.Error(err))
			return nil
		}
		raw = unescaped
	}
	var utm map[string]string
	if err := json.Unmarshal([]byte(raw), &utm); err != nil {
		s.logger.Debug("Ignoring malformed stored utm parameters", zap.Error(err))
		return nil
	}
	if len(utm) == 0 {
		return nil
	}
	return utm
}
