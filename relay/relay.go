// Package relay turns SMTP credentials into email API bearer tokens and
// submits accepted messages. Tokens are shared between sessions through an
// authcache.TokenCache.
package relay

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/authcache"
	"github.com/sendlix/smtp-relay/pkg/circuitbreaker"
	"github.com/sendlix/smtp-relay/pkg/metrics"
	"google.golang.org/grpc/codes"
)

// RefreshMargin is how long a cached token must remain valid to be reused.
const RefreshMargin = time.Minute

var (
	ErrInvalidPassword = errors.New("invalid password format")
	ErrInvalidKeyID    = errors.New("invalid key ID in password")
)

// Handler is shared by all sessions.
type Handler struct {
	client  backend.Client
	cache   *authcache.TokenCache
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
}

// NewHandler wires a backend client to a token cache. breaker may be nil.
func NewHandler(client backend.Client, cache *authcache.TokenCache, breaker *circuitbreaker.CircuitBreaker) *Handler {
	return &Handler{
		client:  client,
		cache:   cache,
		breaker: breaker,
		now:     time.Now,
	}
}

// ParsePassword splits an API key of the form "<secret>.<keyId>".
func ParsePassword(password string) (secret string, keyID int64, keyIDText string, err error) {
	parts := strings.Split(password, ".")
	if len(parts) != 2 {
		return "", 0, "", ErrInvalidPassword
	}

	keyIDText = strings.TrimSpace(parts[1])
	keyID, err = strconv.ParseInt(keyIDText, 10, 64)
	if err != nil || keyID <= 0 {
		return "", 0, "", ErrInvalidKeyID
	}
	return parts[0], keyID, keyIDText, nil
}

// Login returns a token for the API key in password, reusing a cached token
// while it stays valid for RefreshMargin. username is not sent to the backend.
func (h *Handler) Login(ctx context.Context, username, password string) (backend.Token, error) {
	secret, keyID, keyIDText, err := ParsePassword(password)
	if err != nil {
		return backend.Token{}, err
	}

	key := authcache.Key(secret, keyIDText)
	cached, found := h.cache.Get(key)
	if found && cached.UsableFor(RefreshMargin, h.now()) {
		return cached, nil
	}
	if found {
		metrics.TokenCacheRefreshesTotal.Inc()
	}

	var token backend.Token
	err = h.call(func() error {
		var callErr error
		token, callErr = h.client.Login(ctx, keyID, secret)
		return callErr
	})
	if err != nil {
		return backend.Token{}, err
	}

	h.cache.Set(key, token)
	return token, nil
}

// SendEmail submits raw with the given bearer token. category may be empty.
// A token the API no longer accepts is dropped from the cache.
func (h *Handler) SendEmail(ctx context.Context, raw []byte, token backend.Token, category string) error {
	err := h.call(func() error {
		return h.client.SendMessage(ctx, backend.Message{Raw: raw, Bearer: token.Value, Category: category})
	})

	var rpcErr *backend.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codes.Unauthenticated {
		if h.cache.InvalidateToken(token.Value) {
			logger.Info("Relay: dropped rejected token from cache", "method", rpcErr.Method)
		}
	}
	return err
}

func (h *Handler) call(fn func() error) error {
	if h.breaker == nil {
		return fn()
	}
	err := h.breaker.Execute(fn)
	if circuitbreaker.IsOpen(err) {
		return &backend.RPCError{Method: h.breaker.Name(), Code: codes.Unavailable, Detail: "backend temporarily unavailable"}
	}
	return err
}

// BreakerSettings returns circuit breaker settings for backend calls. Errors
// the API attributes to the caller do not count as failures.
func BreakerSettings(name string, maxRequests uint32, interval, timeout time.Duration, minRequests uint32, failureRatio float64) circuitbreaker.Settings {
	st := circuitbreaker.DefaultSettings(name, minRequests, failureRatio)
	if maxRequests > 0 {
		st.MaxRequests = maxRequests
	}
	if interval > 0 {
		st.Interval = interval
	}
	if timeout > 0 {
		st.Timeout = timeout
	}
	st.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		var rpcErr *backend.RPCError
		return errors.As(err, &rpcErr) && rpcErr.IsClientFault()
	}
	return st
}
