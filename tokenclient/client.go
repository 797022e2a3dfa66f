// Package tokenclient binds a stored token to an outbound HTTP client and
// refreshes it when it is about to lapse.
package tokenclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

var metricRefresh = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmailer_token_refresh_total",
		Help: "Access token refresh attempts.",
	},
	[]string{
		"result", // ok, rejected, unreachable, incomplete, no_refresh_token
	},
)

// TokenSaver receives every token obtained by a refresh.
type TokenSaver interface {
	SaveToken(ctx context.Context, tok gmailer.Token) error
}

// Client holds the current token for one user. It is safe for concurrent
// use; at most one refresh runs at a time.
type Client struct {
	mu     sync.Mutex
	tok    gmailer.Token
	config *oauth2.Config
	saver  TokenSaver

	now        func() time.Time
	httpClient *http.Client
	base       http.RoundTripper
	logger     *slog.Logger
}

type Option func(*Client)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseTransport sets the transport under the authorized client
// returned by HTTPClient.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Attach returns a client bound to tok. saver may be nil.
func Attach(config *oauth2.Config, tok gmailer.Token, saver TokenSaver, opts ...Option) *Client {
	c := &Client{
		tok:    tok,
		config: config,
		saver:  saver,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the token as it is now, without refreshing it.
func (c *Client) Current() gmailer.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok
}

// Token returns a token that is valid now. An expired token is refreshed
// exactly once; without a refresh token the caller has to re-authorize.
func (c *Client) Token(ctx context.Context) (gmailer.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tok.ExpiredAt(c.now()) {
		return c.tok, nil
	}

	if c.tok.RefreshToken == "" {
		metricRefresh.WithLabelValues("no_refresh_token").Inc()
		return gmailer.Token{}, gmailer.NewTokenExpiredError("access token expired and no refresh token is stored", nil)
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		return gmailer.Token{}, err
	}
	c.tok = fresh
	metricRefresh.WithLabelValues("ok").Inc()
	c.logger.InfoContext(ctx, "access token refreshed", slog.Time("expiry", fresh.Expiry()))

	if c.saver != nil {
		if err := c.saver.SaveToken(ctx, fresh); err != nil {
			c.logger.WarnContext(ctx, "refreshed token not persisted", slog.Any("error", err))
		}
	}

	return fresh, nil
}

func (c *Client) refresh(ctx context.Context) (gmailer.Token, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	// No access token, so the source goes straight to the refresh grant.
	src := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: c.tok.RefreshToken})
	ot, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			metricRefresh.WithLabelValues("rejected").Inc()
			return gmailer.Token{}, gmailer.NewTokenExpiredError("refresh grant rejected", err)
		}
		metricRefresh.WithLabelValues("unreachable").Inc()
		return gmailer.Token{}, gmailer.NewTransmitError(gmailer.FAULT_NETWORK, "token endpoint unreachable", err)
	}

	fresh := gmailer.TokenFromOAuth2(ot, c.tok.Scope)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = c.tok.RefreshToken
	}
	if err := fresh.Validate(); err != nil {
		metricRefresh.WithLabelValues("incomplete").Inc()
		return gmailer.Token{}, gmailer.NewTokenExpiredError("token endpoint returned an incomplete token", err)
	}
	if fresh.ExpiredAt(c.now()) {
		metricRefresh.WithLabelValues("incomplete").Inc()
		return gmailer.Token{}, gmailer.NewTokenExpiredError("refreshed token is already expired", nil)
	}
	return fresh, nil
}

// HTTPClient returns a client that authorizes every request with a token
// obtained from Token.
func (c *Client) HTTPClient(ctx context.Context) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: tokenSource{ctx: ctx, client: c},
			Base:   c.base,
		},
	}
}

type tokenSource struct {
	ctx    context.Context
	client *Client
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}
