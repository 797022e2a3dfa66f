package credstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

// TokenRecord is the bstore schema for a stored token. The nonzero
// constraints refuse partial tokens at the database level as well.
type TokenRecord struct {
	Key               string
	AccessToken       string `bstore:"nonzero"`
	RefreshToken      string
	Scope             string `bstore:"nonzero"`
	TokenType         string `bstore:"nonzero"`
	ExpiryEpochMillis int64  `bstore:"nonzero"`
	Updated           time.Time
}

// BstoreBackend keeps the token in a bstore (bbolt) database file. Each
// save is a single write transaction.
type BstoreBackend struct {
	db  *bstore.DB
	key string
}

// OpenBstoreBackend opens or creates the database at path. key selects the
// record, so one database file can hold tokens for several deployments.
func OpenBstoreBackend(ctx context.Context, path, key string) (*BstoreBackend, error) {
	if key == "" {
		key = "default"
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0o600}
	db, err := bstore.Open(ctx, path, &opts, TokenRecord{})
	if err != nil {
		return nil, fmt.Errorf("open token database %s: %w", path, err)
	}
	return &BstoreBackend{db: db, key: key}, nil
}

func (b *BstoreBackend) Name() string {
	return "bstore"
}

func (b *BstoreBackend) Close() error {
	return b.db.Close()
}

func (b *BstoreBackend) Load(ctx context.Context) (gmailer.Token, error) {
	rec := TokenRecord{Key: b.key}
	err := b.db.Get(ctx, &rec)
	if err == bstore.ErrAbsent {
		return gmailer.Token{}, ErrNotFound
	}
	if err != nil {
		return gmailer.Token{}, err
	}
	return gmailer.Token{
		AccessToken:       rec.AccessToken,
		RefreshToken:      rec.RefreshToken,
		Scope:             rec.Scope,
		TokenType:         rec.TokenType,
		ExpiryEpochMillis: rec.ExpiryEpochMillis,
	}, nil
}

func (b *BstoreBackend) Save(ctx context.Context, tok gmailer.Token) error {
	rec := TokenRecord{
		Key:               b.key,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		Scope:             tok.Scope,
		TokenType:         tok.TokenType,
		ExpiryEpochMillis: tok.ExpiryEpochMillis,
		Updated:           time.Now(),
	}
	return b.db.Write(ctx, func(tx *bstore.Tx) error {
		existing := TokenRecord{Key: b.key}
		err := tx.Get(&existing)
		if err == bstore.ErrAbsent {
			return tx.Insert(&rec)
		}
		if err != nil {
			return err
		}
		return tx.Update(&rec)
	})
}
