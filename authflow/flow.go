// Package authflow obtains the first token for a user through the OAuth2
// authorization-code grant.
package authflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

var (
	// ErrFlowFinished is returned by Run on a flow that already ran.
	ErrFlowFinished = errors.New("authflow: flow already finished")

	// ErrStateMismatch is returned when a redirect carries a state value
	// other than the one that was sent.
	ErrStateMismatch = errors.New("authflow: state mismatch")
)

var metricAuthorization = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmailer_authorization_total",
		Help: "Interactive authorization attempts.",
	},
	[]string{
		"result",
	},
)

// fixedState keeps AuthorizationURL reproducible. Flow.Run uses a fresh
// value per run.
const fixedState = "state-token"

// AuthorizationURL returns the consent URL for identity. Scopes default to
// gmail.send. The URL asks for offline access and forces the consent
// screen so that a refresh token is issued.
func AuthorizationURL(identity gmailer.ClientIdentity, scopes ...string) string {
	return authCodeURL(identity.OAuth2Config(oauth2.Endpoint{}, defaultScopes(scopes)...), fixedState)
}

func authCodeURL(config *oauth2.Config, state string) string {
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func defaultScopes(scopes []string) []string {
	if len(gmailer.NormalizeScopes(scopes)) == 0 {
		return []string{gmail.GmailSendScope}
	}
	return scopes
}

// State is the position of a Flow.
type State int

const (
	StateNoToken State = iota
	StateAwaitingCode
	StateExchanging
	StateAuthorized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNoToken:
		return "no_token"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateExchanging:
		return "exchanging"
	case StateAuthorized:
		return "authorized"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Flow runs one authorization. Authorized and Failed are terminal; a new
// attempt needs a new Flow.
type Flow struct {
	mu    sync.Mutex
	state State

	config     *oauth2.Config
	provider   CodeProvider
	httpClient *http.Client
	newState   func() string
	logger     *slog.Logger
}

type Option func(*Flow)

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Flow) {
		f.httpClient = hc
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

func New(config *oauth2.Config, provider CodeProvider, opts ...Option) *Flow {
	f := &Flow{
		state:    StateNoToken,
		config:   config,
		provider: provider,
		newState: uuid.NewString,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run asks the provider for a code and exchanges it. The returned token is
// not persisted.
func (f *Flow) Run(ctx context.Context) (gmailer.Token, error) {
	f.mu.Lock()
	if f.state != StateNoToken {
		f.mu.Unlock()
		return gmailer.Token{}, ErrFlowFinished
	}
	f.state = StateAwaitingCode
	f.mu.Unlock()

	authURL := authCodeURL(f.config, f.newState())
	f.logger.InfoContext(ctx, "waiting for authorization code")

	code, err := f.provider.Code(ctx, authURL)
	if err != nil {
		f.setState(StateFailed)
		metricAuthorization.WithLabelValues("no_code").Inc()
		return gmailer.Token{}, gmailer.NewAuthExchangeError("no authorization code received", err)
	}

	f.setState(StateExchanging)
	tok, err := f.Exchange(ctx, code)
	if err != nil {
		f.setState(StateFailed)
		metricAuthorization.WithLabelValues("rejected").Inc()
		return gmailer.Token{}, err
	}

	f.setState(StateAuthorized)
	metricAuthorization.WithLabelValues("ok").Inc()
	f.logger.InfoContext(ctx, "authorization complete",
		slog.String("scope", tok.Scope),
		slog.Bool("refreshable", tok.RefreshToken != ""))
	return tok, nil
}

// Exchange trades an authorization code for a token.
func (f *Flow) Exchange(ctx context.Context, code string) (gmailer.Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return gmailer.Token{}, gmailer.NewAuthExchangeError("authorization code is empty", nil)
	}

	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	ot, err := f.config.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_client" {
			return gmailer.Token{}, gmailer.NewAuthExchangeError("client identity rejected", err)
		}
		return gmailer.Token{}, gmailer.NewAuthExchangeError("authorization code rejected", err)
	}

	tok := gmailer.TokenFromOAuth2(ot, strings.Join(f.config.Scopes, " "))
	if err := tok.Validate(); err != nil {
		return gmailer.Token{}, gmailer.NewAuthExchangeError("token endpoint returned an incomplete token", err)
	}
	return tok, nil
}
