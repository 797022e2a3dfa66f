// Package app assembles a send pipeline from configuration.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/authflow"
	"github.com/International-Combat-Archery-Alliance/gmailer/awsses"
	"github.com/International-Combat-Archery-Alliance/gmailer/credstore"
	"github.com/International-Combat-Archery-Alliance/gmailer/gmail"
	"github.com/International-Combat-Archery-Alliance/gmailer/gmailsmtp"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/config"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/pipeline"
	"github.com/International-Combat-Archery-Alliance/gmailer/tokenclient"
)

// smtpScope is the only scope Gmail accepts for SMTP submission.
const smtpScope = "https://mail.google.com/"

type Options struct {
	// Interactive lets a send start an authorization when no usable token
	// is stored. The serve command leaves it off.
	Interactive bool
	In          io.Reader
	Out         io.Writer
	Logger      *slog.Logger
}

type App struct {
	Pipeline *pipeline.Pipeline
	Defaults gmailer.OutgoingMessage

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a := &App{Defaults: cfg.Message.Outgoing()}

	if cfg.Transport == config.TransportSES {
		client, err := awsses.NewClient(cfg.SES.Region, cfg.SES.AccessKeyID, cfg.SES.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		a.Pipeline = pipeline.NewDirect(cfg.Transport, awsses.NewTransmitter(client), pipeline.WithLogger(log))
		return a, nil
	}

	identity, err := credstore.LoadClientIdentity(identitySource(cfg.Credentials))
	if err != nil {
		return nil, err
	}

	scope := gmailapi.GmailSendScope
	if cfg.Transport == config.TransportSMTP {
		scope = smtpScope
	}
	oauthCfg := identity.OAuth2Config(oauth2.Endpoint{}, scope)

	backend, err := a.openBackend(ctx, cfg.Token)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	store := credstore.New(backend, credstore.WithLogger(log))

	connect := func(ctx context.Context, client *tokenclient.Client) (gmailer.Transmitter, error) {
		return gmail.NewTransmitter(ctx, client)
	}
	if cfg.Transport == config.TransportSMTP {
		connect = func(_ context.Context, client *tokenclient.Client) (gmailer.Transmitter, error) {
			return gmailsmtp.NewTransmitter(client, gmailsmtp.WithAddr(cfg.SMTP.Addr)), nil
		}
	}

	popts := []pipeline.Option{pipeline.WithLogger(log)}
	if opts.Interactive {
		popts = append(popts, pipeline.WithAuthorizer(authorizer(oauthCfg, identity, cfg.Authorize, opts, log)))
	}
	a.Pipeline = pipeline.NewOAuth(cfg.Transport, store, oauthCfg, connect, popts...)
	return a, nil
}

// identitySource skips the default credentials file when the client id
// and secret are configured directly and the file does not exist.
func identitySource(c config.Credentials) credstore.IdentitySource {
	src := credstore.IdentitySource{
		File:         c.File,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURI:  c.RedirectURI,
	}
	if c.ClientID != "" && c.ClientSecret != "" {
		if _, err := os.Stat(c.File); err != nil {
			src.File = ""
		}
	}
	return src
}

func (a *App) openBackend(ctx context.Context, c config.Token) (credstore.Backend, error) {
	switch c.Backend {
	case config.BackendEnv:
		return credstore.NewEnvBackend(c.Env), nil
	case config.BackendBstore:
		b, err := credstore.OpenBstoreBackend(ctx, c.BstorePath, c.Key)
		if err != nil {
			return nil, gmailer.NewConfigurationError("unable to open token database", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		a.closers = append(a.closers, client.Close)
		return credstore.NewRedisBackend(client, c.Key), nil
	}
	return credstore.NewFileBackend(c.File), nil
}

func authorizer(oauthCfg *oauth2.Config, identity gmailer.ClientIdentity, mode string, opts Options, log *slog.Logger) pipeline.Authorizer {
	return func(ctx context.Context) (gmailer.Token, error) {
		var provider authflow.CodeProvider = authflow.ConsoleCodeProvider{In: opts.In, Out: opts.Out}
		if mode == config.AuthorizeLoopback {
			lp, err := authflow.NewLoopbackCodeProvider(identity.RedirectURI, opts.Out)
			if err != nil {
				return gmailer.Token{}, gmailer.NewConfigurationError("loopback authorization needs a local redirect URI", err)
			}
			provider = lp
		}
		return authflow.New(oauthCfg, provider, authflow.WithLogger(log)).Run(ctx)
	}
}

// Close releases the token backend.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
