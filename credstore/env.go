package credstore

import (
	"context"
	"os"
	"strings"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

// DefaultTokenEnv is the variable EnvBackend reads when none is named.
const DefaultTokenEnv = "GMAILER_TOKEN"

// EnvBackend reads a JSON token from an environment variable. Refreshed
// tokens cannot be written back; Save always fails with ErrReadOnly.
type EnvBackend struct {
	name   string
	lookup func(string) (string, bool)
}

func NewEnvBackend(name string) *EnvBackend {
	if name == "" {
		name = DefaultTokenEnv
	}
	return &EnvBackend{name: name, lookup: os.LookupEnv}
}

func (b *EnvBackend) Name() string {
	return "env"
}

func (b *EnvBackend) Load(_ context.Context) (gmailer.Token, error) {
	v, ok := b.lookup(b.name)
	if !ok || strings.TrimSpace(v) == "" {
		return gmailer.Token{}, ErrNotFound
	}
	return decodeToken([]byte(v))
}

func (b *EnvBackend) Save(context.Context, gmailer.Token) error {
	return ErrReadOnly
}
