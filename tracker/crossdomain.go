package tracker

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// LinkerParam carries the anonymous ID across sibling domains.
const LinkerParam = "cdp_aid"

// LinkURL decorates target with the anonymous ID when cross-domain sharing is enabled and
// target's host is one of the configured domains or a subdomain of one. Other URLs come back
// unchanged.
func (c *Client) LinkURL(target string) string {
	c.mu.Lock()
	cd := c.opts.CrossDomain
	anonymousID := c.identity.AnonymousID
	c.mu.Unlock()

	if !cd.Enabled {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || !matchesDomain(u.Hostname(), cd.Domains) {
		return target
	}
	q := u.Query()
	q.Set(LinkerParam, anonymousID)
	u.RawQuery = q.Encode()
	return u.String()
}

func matchesDomain(host string, domains []string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// adoptedAnonymousID returns a well-formed anonymous ID from the landing URL's linker
// parameter, if cross-domain sharing is on.
func (c *Client) adoptedAnonymousID() string {
	if !c.opts.CrossDomain.Enabled {
		return ""
	}
	u, err := url.Parse(c.doc.URL)
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(u.Query().Get(LinkerParam))
	if err != nil {
		return ""
	}
	return id.String()
}
