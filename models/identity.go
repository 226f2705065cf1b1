package models

import "time"

// IdentityLink ties an anonymous browser profile to an identified user.
type IdentityLink struct {
	AnonymousID string    `json:"anonymous_id"`
	UserID      string    `json:"user_id"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}
