// Package apiclient holds the per-connection view of an authenticated API
// key: the bearer token, the category tag and the sender domains the token
// authorizes.
package apiclient

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/logger"
)

var (
	ErrInvalidUsername  = errors.New("invalid username format")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTokenExpired     = errors.New("unauthenticated or expired")
)

var usernamePattern = regexp.MustCompile(`^X-API-KEY(?:;category=(\w+))?$`)

// Relay is the shared backend handler.
type Relay interface {
	Login(ctx context.Context, username, password string) (backend.Token, error)
	SendEmail(ctx context.Context, raw []byte, token backend.Token, category string) error
}

// Client is owned by a single session and is not safe for concurrent use.
type Client struct {
	relay    Relay
	verifier *Verifier
	now      func() time.Time

	token    backend.Token
	category string
	domains  map[string]struct{}
}

// New creates a client. verifier may be nil, in which case token claims are
// trusted without checking the signature.
func New(relay Relay, verifier *Verifier) *Client {
	return &Client{relay: relay, verifier: verifier, now: time.Now}
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	m := usernamePattern.FindStringSubmatch(username)
	if m == nil {
		return ErrInvalidUsername
	}

	token, err := c.relay.Login(ctx, username, password)
	if err != nil {
		return err
	}

	c.token = token
	c.category = m[1]
	c.domains = nil
	return nil
}

// IsAuthenticated reports whether Login succeeded, even if the token has
// expired since.
func (c *Client) IsAuthenticated() bool {
	return c.token.Value != ""
}

func (c *Client) Category() string {
	return c.category
}

// AuthorizedDomains returns the lower-cased domains claimed by the token.
func (c *Client) AuthorizedDomains() map[string]struct{} {
	if c.domains != nil {
		return c.domains
	}

	if c.verifier != nil {
		if err := c.verifier.Verify(c.token.Value); err != nil {
			logger.Warn("APIClient: token signature verification failed", "error", err)
			c.domains = map[string]struct{}{}
			return c.domains
		}
	}

	c.domains = domainClaims(c.token.Value)
	return c.domains
}

// IsAuthorizedToSend reports whether the token authorizes domain.
func (c *Client) IsAuthorizedToSend(domain string) (bool, error) {
	if !c.IsAuthenticated() {
		return false, ErrNotAuthenticated
	}
	_, ok := c.AuthorizedDomains()[strings.ToLower(domain)]
	return ok, nil
}

// SendEmail relays raw as long as the token stays valid for another minute.
func (c *Client) SendEmail(ctx context.Context, raw []byte) error {
	if !c.token.UsableFor(time.Minute, c.now()) {
		return ErrTokenExpired
	}
	return c.relay.SendEmail(ctx, raw, c.token, c.category)
}
