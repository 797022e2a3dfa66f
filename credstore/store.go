package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

var (
	// ErrNotFound is returned by a Backend that holds no token.
	ErrNotFound = errors.New("credstore: no token stored")

	// ErrReadOnly is returned by backends that cannot persist tokens.
	ErrReadOnly = errors.New("credstore: backend is read-only")
)

var metricSave = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmailer_token_save_total",
		Help: "Token persistence attempts.",
	},
	[]string{
		"backend",
		"result",
	},
)

// Backend persists a single serialized token.
type Backend interface {
	Name() string
	Load(ctx context.Context) (gmailer.Token, error)
	Save(ctx context.Context, tok gmailer.Token) error
}

// Store is the credential store for one user. It is not safe for
// concurrent use: callers that share a backend across goroutines must
// serialize load, refresh and save.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadToken returns the persisted token. Missing, unreadable or incomplete
// state means the user has not authorized yet and is reported as absent.
func (s *Store) LoadToken(ctx context.Context) (gmailer.Token, bool) {
	tok, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		s.logger.DebugContext(ctx, "no token stored", slog.String("backend", s.backend.Name()))
		return gmailer.Token{}, false
	}
	if err != nil {
		s.logger.WarnContext(ctx, "ignoring unreadable token",
			slog.String("backend", s.backend.Name()),
			slog.Any("error", err))
		return gmailer.Token{}, false
	}
	if err := tok.Validate(); err != nil {
		s.logger.WarnContext(ctx, "ignoring incomplete token",
			slog.String("backend", s.backend.Name()),
			slog.Any("error", err))
		return gmailer.Token{}, false
	}
	return tok, true
}

// SaveToken persists tok. Incomplete tokens are refused before anything is
// written.
func (s *Store) SaveToken(ctx context.Context, tok gmailer.Token) error {
	if err := tok.Validate(); err != nil {
		metricSave.WithLabelValues(s.backend.Name(), "invalid").Inc()
		return gmailer.NewPersistenceError("refusing to persist incomplete token", err)
	}
	if err := s.backend.Save(ctx, tok); err != nil {
		metricSave.WithLabelValues(s.backend.Name(), "error").Inc()
		return gmailer.NewPersistenceError(fmt.Sprintf("unable to persist token to %s", s.backend.Name()), err)
	}
	metricSave.WithLabelValues(s.backend.Name(), "ok").Inc()
	s.logger.InfoContext(ctx, "token stored",
		slog.String("backend", s.backend.Name()),
		slog.Time("expiry", tok.Expiry()))
	return nil
}

func decodeToken(b []byte) (gmailer.Token, error) {
	var tok gmailer.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return gmailer.Token{}, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

func encodeToken(tok gmailer.Token) ([]byte, error) {
	return json.Marshal(tok)
}
