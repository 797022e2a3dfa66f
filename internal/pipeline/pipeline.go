// Package pipeline runs one send from stored credentials to the remote
// transport: load, authorize if needed, attach, ensure, compose, transmit.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/logger"
	"github.com/International-Combat-Archery-Alliance/gmailer/tokenclient"
)

var metricSend = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmailer_send_total",
		Help: "Send attempts by transport and outcome.",
	},
	[]string{
		"transport",
		"result", // ok, or the error reason
	},
)

// TokenStore is the credential store the pipeline reads and writes.
type TokenStore interface {
	LoadToken(ctx context.Context) (gmailer.Token, bool)
	SaveToken(ctx context.Context, tok gmailer.Token) error
}

// Authorizer obtains a new token interactively. Each call starts a new
// authorization.
type Authorizer func(ctx context.Context) (gmailer.Token, error)

// Connector builds the transmitter for an attached client.
type Connector func(ctx context.Context, client *tokenclient.Client) (gmailer.Transmitter, error)

// Pipeline serializes sends: the token load, refresh and save of one send
// never interleave with another's.
type Pipeline struct {
	sem       *semaphore.Weighted
	transport string

	store      TokenStore
	config     *oauth2.Config
	connect    Connector
	authorize  Authorizer
	clientOpts []tokenclient.Option

	direct gmailer.Transmitter

	logger *slog.Logger
}

type Option func(*Pipeline)

// WithAuthorizer enables interactive authorization when no usable token
// is stored. Without one, such sends fail with TOKEN_EXPIRED.
func WithAuthorizer(a Authorizer) Option {
	return func(p *Pipeline) {
		p.authorize = a
	}
}

func WithTokenClientOptions(opts ...tokenclient.Option) Option {
	return func(p *Pipeline) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewOAuth returns a pipeline that sends as the user whose token store
// holds. transport labels metrics and logs.
func NewOAuth(transport string, store TokenStore, config *oauth2.Config, connect Connector, opts ...Option) *Pipeline {
	p := &Pipeline{
		sem:       semaphore.NewWeighted(1),
		transport: transport,
		store:     store,
		config:    config,
		connect:   connect,
		logger:    logger.NewNope(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewDirect returns a pipeline for transports that carry their own
// credentials. Authorize is not available on it.
func NewDirect(transport string, tx gmailer.Transmitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		sem:       semaphore.NewWeighted(1),
		transport: transport,
		direct:    tx,
		logger:    logger.NewNope(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send delivers msg. It returns only after the transport answered.
func (p *Pipeline) Send(ctx context.Context, msg gmailer.OutgoingMessage) (gmailer.SendResult, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return gmailer.SendResult{}, err
	}
	defer p.sem.Release(1)

	log := p.logger.With(slog.String("transport", p.transport), slog.String("to", msg.To))

	res, err := p.send(ctx, msg)
	if err != nil {
		reason, _ := gmailer.ReasonOf(err)
		metricSend.WithLabelValues(p.transport, resultLabel(err)).Inc()
		log.ErrorContext(ctx, "send failed",
			slog.String("reason", string(reason)),
			slog.String("fault", string(gmailer.FaultOf(err))),
			slog.Any("error", err))
		return gmailer.SendResult{}, err
	}

	metricSend.WithLabelValues(p.transport, "ok").Inc()
	log.InfoContext(ctx, "message sent", slog.String("id", res.ID))
	return res, nil
}

func (p *Pipeline) send(ctx context.Context, msg gmailer.OutgoingMessage) (gmailer.SendResult, error) {
	if p.direct != nil {
		return p.direct.Send(ctx, gmailer.Compose(msg))
	}

	tok, fresh, err := p.loadOrAuthorize(ctx)
	if err != nil {
		return gmailer.SendResult{}, err
	}

	client := p.attach(tok)
	if _, err := client.Token(ctx); err != nil {
		reason, _ := gmailer.ReasonOf(err)
		if reason != gmailer.REASON_TOKEN_EXPIRED || p.authorize == nil || fresh {
			return gmailer.SendResult{}, err
		}
		p.logger.WarnContext(ctx, "stored token unusable, re-authorizing", slog.Any("error", err))
		tok, err = p.authorizeAndStore(ctx)
		if err != nil {
			return gmailer.SendResult{}, err
		}
		client = p.attach(tok)
		if _, err := client.Token(ctx); err != nil {
			return gmailer.SendResult{}, err
		}
	}

	tx, err := p.connect(ctx, client)
	if err != nil {
		return gmailer.SendResult{}, err
	}
	return tx.Send(ctx, gmailer.Compose(msg))
}

func (p *Pipeline) attach(tok gmailer.Token) *tokenclient.Client {
	opts := append([]tokenclient.Option{tokenclient.WithLogger(p.logger)}, p.clientOpts...)
	return tokenclient.Attach(p.config, tok, p.store, opts...)
}

func (p *Pipeline) loadOrAuthorize(ctx context.Context) (gmailer.Token, bool, error) {
	if tok, ok := p.store.LoadToken(ctx); ok {
		return tok, false, nil
	}
	if p.authorize == nil {
		return gmailer.Token{}, false, gmailer.NewTokenExpiredError("no usable token stored; run authorize first", nil)
	}
	tok, err := p.authorizeAndStore(ctx)
	return tok, true, err
}

// authorizeAndStore runs the authorizer and persists the result. A failed
// save is logged; the token is still used for this send.
func (p *Pipeline) authorizeAndStore(ctx context.Context) (gmailer.Token, error) {
	tok, err := p.authorize(ctx)
	if err != nil {
		return gmailer.Token{}, err
	}
	if err := p.store.SaveToken(ctx, tok); err != nil {
		p.logger.WarnContext(ctx, "authorized token not persisted", slog.Any("error", err))
	}
	return tok, nil
}

// Authorize runs the authorization flow and persists the token. Unlike
// Send, a failed save is returned.
func (p *Pipeline) Authorize(ctx context.Context) (gmailer.Token, error) {
	if p.authorize == nil || p.store == nil {
		return gmailer.Token{}, gmailer.NewConfigurationError("authorization is not available for this transport", nil)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return gmailer.Token{}, err
	}
	defer p.sem.Release(1)

	tok, err := p.authorize(ctx)
	if err != nil {
		return gmailer.Token{}, err
	}
	if err := p.store.SaveToken(ctx, tok); err != nil {
		return tok, err
	}
	return tok, nil
}

func resultLabel(err error) string {
	reason, ok := gmailer.ReasonOf(err)
	if !ok {
		return "error"
	}
	return string(reason)
}
