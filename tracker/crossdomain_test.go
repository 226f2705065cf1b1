package tracker

import (
	"context"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkURL(t *testing.T) {
	opts := DefaultOptions()
	opts.CrossDomain = CrossDomain{Enabled: true, Domains: []string{".example.org", "partner.io"}}
	env := newTestEnv(t, opts, landingPage())
	id := env.client.Identity().AnonymousID

	linked, err := url.Parse(env.client.LinkURL("https://shop.example.org/cart?x=1"))
	require.NoError(t, err)
	assert.Equal(t, id, linked.Query().Get(LinkerParam))
	assert.Equal(t, "1", linked.Query().Get("x"))

	assert.Contains(t, env.client.LinkURL("https://partner.io/"), LinkerParam+"="+id)
	assert.Equal(t, "https://evil-example.org/", env.client.LinkURL("https://evil-example.org/"))
	assert.Equal(t, "https://other.com/", env.client.LinkURL("https://other.com/"))
}

func TestLinkURL_DisabledIsIdentity(t *testing.T) {
	env := newTestEnv(t, DefaultOptions(), landingPage())
	assert.Equal(t, "https://shop.example.org/", env.client.LinkURL("https://shop.example.org/"))
}

func TestInit_AdoptsLinkedAnonymousID(t *testing.T) {
	carried := uuid.NewString()
	opts := DefaultOptions()
	opts.CrossDomain = CrossDomain{Enabled: true, Domains: []string{"example.com"}}

	env := newTestEnv(t, opts, Document{URL: "https://shop.example.com/?" + LinkerParam + "=" + carried})
	env.client.Init(context.Background(), nil)
	assert.Equal(t, carried, env.client.Identity().AnonymousID)

	stored, ok := env.cookies.Get(CookieAnonymousID)
	require.True(t, ok)
	assert.Equal(t, carried, stored)
}

func TestInit_CookieWinsOverLinkedID(t *testing.T) {
	opts := DefaultOptions()
	opts.CrossDomain = CrossDomain{Enabled: true, Domains: []string{"example.com"}}

	env := newTestEnv(t, opts, Document{URL: "https://shop.example.com/?" + LinkerParam + "=" + uuid.NewString()})
	_ = env.cookies.Set(CookieAnonymousID, "existing", 0)
	env.client.Init(context.Background(), nil)
	assert.Equal(t, "existing", env.client.Identity().AnonymousID)

	bad := newTestEnv(t, opts, Document{URL: "https://shop.example.com/?" + LinkerParam + "=not-a-uuid"})
	before := bad.client.Identity().AnonymousID
	bad.client.Init(context.Background(), nil)
	assert.Equal(t, before, bad.client.Identity().AnonymousID)
}
