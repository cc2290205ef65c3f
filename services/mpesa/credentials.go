package mpesa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenMargin    = 30 * time.Second
	defaultRefreshTimeout = 20 * time.Second
	maxRefreshRetries     = 3
)

type TokenRequester interface {
	RequestToken(ctx context.Context) (*AccessToken, error)
}

// CredentialCache hands out a valid gateway access token, refreshing it at
// most once at a time no matter how many callers need it.
type CredentialCache struct {
	requester      TokenRequester
	margin         time.Duration
	refreshTimeout time.Duration
	logger         *zap.SugaredLogger

	now        func() time.Time
	newBackOff func() backoff.BackOff

	group singleflight.Group
	mu    sync.RWMutex
	token *AccessToken
}

func NewCredentialCache(requester TokenRequester, margin time.Duration, logger *zap.SugaredLogger) *CredentialCache {
	if margin <= 0 {
		margin = defaultTokenMargin
	}
	return &CredentialCache{
		requester:      requester,
		margin:         margin,
		refreshTimeout: defaultRefreshTimeout,
		logger:         logger,
		now:            time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// Token returns the cached token while it is valid for longer than the
// safety margin, otherwise it refreshes. The refresh is detached from the
// caller's context so one caller giving up does not fail the others waiting.
func (c *CredentialCache) Token(ctx context.Context) (AccessToken, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	ch := c.group.DoChan("token", func() (interface{}, error) {
		if token, ok := c.cached(); ok {
			return token, nil
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()

		token, err := c.refresh(refreshCtx)
		if err != nil {
			return AccessToken{}, err
		}

		c.mu.Lock()
		c.token = token
		c.mu.Unlock()

		c.logger.Infow("mpesa access token refreshed", "expires_at", token.ExpiresAt)
		return *token, nil
	})

	select {
	case <-ctx.Done():
		return AccessToken{}, &CredentialError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	}
}

// Invalidate drops the cached token so the next caller fetches a new one.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *CredentialCache) cached() (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil || c.token.Value == "" {
		return AccessToken{}, false
	}
	if !c.now().Add(c.margin).Before(c.token.ExpiresAt) {
		return AccessToken{}, false
	}
	return *c.token, true
}

func (c *CredentialCache) refresh(ctx context.Context) (*AccessToken, error) {
	attempt := 0
	operation := func() (*AccessToken, error) {
		attempt++
		token, err := c.requester.RequestToken(ctx)
		if err != nil {
			if !IsTransport(err) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warnw("mpesa token request failed", "attempt", attempt, "error", err)
			return nil, err
		}
		if token == nil || token.Value == "" {
			return nil, backoff.Permanent(errors.New("empty access token"))
		}
		return token, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRefreshRetries), ctx)
	token, err := backoff.RetryWithData(operation, policy)
	if err != nil {
		return nil, &CredentialError{Err: err}
	}
	return token, nil
}
