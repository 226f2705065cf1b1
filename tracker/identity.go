package tracker

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mabletask/cdp/storage"
)

const (
	CookieAnonymousID = "cdp_anonymous_id"
	CookieUserID      = "cdp_user_id"
	KeySessionID      = "cdp_session_id"
)

// Identity is who the current page is acting as.
type Identity struct {
	AnonymousID string
	UserID      string
	SessionID   string
}

func newID() string {
	return uuid.NewString()
}

// identityStore resolves and persists identity in the host's cookie jar and session storage.
type identityStore struct {
	cookies storage.Jar
	session storage.Jar
	logger  *zap.Logger
}

// resolve reads the persisted identity over current. An anonymous ID already in the jar wins;
// otherwise current's is written back. adopted, when non-empty, is an anonymous ID carried in
// from a sibling domain and is used in place of current's when the jar is empty.
func (s *identityStore) resolve(current Identity, opts Options, adopted string) Identity {
	if existing, ok := s.cookies.Get(CookieAnonymousID); ok && existing != "" {
		current.AnonymousID = existing
	} else {
		if adopted != "" {
			current.AnonymousID = adopted
		}
		s.write(s.cookies, CookieAnonymousID, current.AnonymousID, opts)
	}

	if existing, ok := s.cookies.Get(CookieUserID); ok && existing != "" {
		current.UserID = existing
	}

	if opts.PersistSession {
		if existing, ok := s.session.Get(KeySessionID); ok && existing != "" {
			current.SessionID = existing
		} else if err := s.session.Set(KeySessionID, current.SessionID, 0); err != nil {
			s.logger.Debug("Failed to persist session id", zap.Error(err))
		}
	}
	return current
}

func (s *identityStore) persistUser(userID string, opts Options) {
	s.write(s.cookies, CookieUserID, userID, opts)
}

func (s *identityStore) write(jar storage.Jar, name, value string, opts Options) {
	if err := jar.Set(name, value, opts.CookieTTL()); err != nil {
		s.logger.Debug("Failed to write cookie", zap.String("name", name), zap.Error(err))
	}
}
