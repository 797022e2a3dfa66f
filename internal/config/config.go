// Package config loads gmailer's settings from an optional YAML file, a
// .env file and GMAILER_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

const (
	TransportGmail = "gmail"
	TransportSMTP  = "smtp"
	TransportSES   = "ses"

	BackendFile   = "file"
	BackendEnv    = "env"
	BackendBstore = "bstore"
	BackendRedis  = "redis"

	AuthorizeConsole  = "console"
	AuthorizeLoopback = "loopback"
)

type Config struct {
	Credentials Credentials `yaml:"credentials"`
	Token       Token       `yaml:"token"`
	Transport   string      `yaml:"transport"`
	Authorize   string      `yaml:"authorize"`
	SMTP        SMTP        `yaml:"smtp"`
	SES         SES         `yaml:"ses"`
	Message     Message     `yaml:"message"`
	Server      Server      `yaml:"server"`
	Log         Log         `yaml:"log"`
}

type Credentials struct {
	File         string `yaml:"file"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
}

type Token struct {
	Backend    string `yaml:"backend"`
	File       string `yaml:"file"`
	Env        string `yaml:"env"`
	BstorePath string `yaml:"bstore_path"`
	Key        string `yaml:"key"`
	RedisAddr  string `yaml:"redis_addr"`
}

type SMTP struct {
	Addr string `yaml:"addr"`
}

type SES struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Message holds the defaults used when a send request leaves a field out.
type Message struct {
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

func (m Message) Outgoing() gmailer.OutgoingMessage {
	return gmailer.OutgoingMessage{From: m.From, To: m.To, Subject: m.Subject, Body: m.Body}
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Credentials: Credentials{File: "credentials.json"},
		Token: Token{
			Backend:    BackendFile,
			File:       "token.json",
			Env:        "GMAILER_TOKEN",
			BstorePath: "gmailer.db",
		},
		Transport: TransportGmail,
		Authorize: AuthorizeConsole,
		SMTP:      SMTP{Addr: "smtp.gmail.com:465"},
		Message: Message{
			Subject: "Test Email",
			Body:    "Hello! This is a test email sent from the Gmail API.",
		},
		Server: Server{Addr: ":3000"},
		Log:    Log{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it, a missing named file is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, gmailer.NewConfigurationError(fmt.Sprintf("config file %s not found", path), err)
			}
			return nil, gmailer.NewConfigurationError(fmt.Sprintf("unable to read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, gmailer.NewConfigurationError(fmt.Sprintf("unable to parse config file %s", path), err)
		}
	}

	applyEnv(cfg, lookup)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for key, dst := range map[string]*string{
		"GMAILER_CREDENTIALS_FILE":  &cfg.Credentials.File,
		"GMAILER_CLIENT_ID":         &cfg.Credentials.ClientID,
		"GMAILER_CLIENT_SECRET":     &cfg.Credentials.ClientSecret,
		"GMAILER_REDIRECT_URI":      &cfg.Credentials.RedirectURI,
		"GMAILER_TOKEN_BACKEND":     &cfg.Token.Backend,
		"GMAILER_TOKEN_FILE":        &cfg.Token.File,
		"GMAILER_TOKEN_ENV":         &cfg.Token.Env,
		"GMAILER_TOKEN_BSTORE_PATH": &cfg.Token.BstorePath,
		"GMAILER_TOKEN_KEY":         &cfg.Token.Key,
		"GMAILER_REDIS_ADDR":        &cfg.Token.RedisAddr,
		"GMAILER_TRANSPORT":         &cfg.Transport,
		"GMAILER_AUTHORIZE":         &cfg.Authorize,
		"GMAILER_SMTP_ADDR":         &cfg.SMTP.Addr,
		"GMAILER_SES_REGION":        &cfg.SES.Region,
		"AWS_ACCESS_KEY_ID":         &cfg.SES.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY":     &cfg.SES.SecretAccessKey,
		"GMAILER_FROM":              &cfg.Message.From,
		"GMAILER_TO":                &cfg.Message.To,
		"GMAILER_SUBJECT":           &cfg.Message.Subject,
		"GMAILER_BODY":              &cfg.Message.Body,
		"GMAILER_ADDR":              &cfg.Server.Addr,
		"GMAILER_LOG_LEVEL":         &cfg.Log.Level,
		"GMAILER_LOG_FORMAT":        &cfg.Log.Format,
	} {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
}

// Validate checks the enumerated settings. Credentials are checked when
// they are loaded.
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case TransportGmail, TransportSMTP:
	case TransportSES:
		if c.SES.Region == "" {
			return gmailer.NewConfigurationError("ses transport needs a region", nil)
		}
	default:
		return gmailer.NewConfigurationError(fmt.Sprintf("unknown transport %q", c.Transport), nil)
	}

	c.Token.Backend = strings.ToLower(strings.TrimSpace(c.Token.Backend))
	switch c.Token.Backend {
	case BackendFile, BackendEnv, BackendBstore:
	case BackendRedis:
		if c.Token.RedisAddr == "" {
			return gmailer.NewConfigurationError("redis token backend needs an address", nil)
		}
	default:
		return gmailer.NewConfigurationError(fmt.Sprintf("unknown token backend %q", c.Token.Backend), nil)
	}

	c.Authorize = strings.ToLower(strings.TrimSpace(c.Authorize))
	switch c.Authorize {
	case AuthorizeConsole, AuthorizeLoopback:
	default:
		return gmailer.NewConfigurationError(fmt.Sprintf("unknown authorize mode %q", c.Authorize), nil)
	}

	return nil
}
