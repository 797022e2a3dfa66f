package gmailer

import (
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultRedirectURI is used when the client configuration names none.
const DefaultRedirectURI = "http://localhost:8080/auth/google/callback"

// expiryDelta matches golang.org/x/oauth2: a token is treated as expired a
// little early so it cannot lapse between the check and the request.
const expiryDelta = 10 * time.Second

type ClientIdentity struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// OAuth2Config builds the oauth2 configuration for id. A zero endpoint
// selects Google's.
func (id ClientIdentity) OAuth2Config(endpoint oauth2.Endpoint, scopes ...string) *oauth2.Config {
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	return &oauth2.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		RedirectURL:  id.RedirectURI,
		Scopes:       NormalizeScopes(scopes),
		Endpoint:     endpoint,
	}
}

// NormalizeScopes dedupes and sorts scopes.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Token is the persisted bearer credential. The JSON shape is the one the
// token file has always used.
type Token struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	Scope             string `json:"scope"`
	TokenType         string `json:"token_type"`
	ExpiryEpochMillis int64  `json:"expiry_date"`
}

var (
	errMissingAccessToken = errors.New("access token is empty")
	errMissingScope       = errors.New("scope is empty")
	errMissingTokenType   = errors.New("token type is empty")
	errMissingExpiry      = errors.New("expiry is not set")
)

// Validate reports whether t is complete. Only the refresh token may be
// missing.
func (t Token) Validate() error {
	switch {
	case t.AccessToken == "":
		return errMissingAccessToken
	case t.Scope == "":
		return errMissingScope
	case t.TokenType == "":
		return errMissingTokenType
	case t.ExpiryEpochMillis <= 0:
		return errMissingExpiry
	}
	return nil
}

func (t Token) Expiry() time.Time {
	return time.UnixMilli(t.ExpiryEpochMillis)
}

// ExpiredAt reports whether t must be refreshed before use at now.
func (t Token) ExpiredAt(now time.Time) bool {
	return now.Add(expiryDelta).UnixMilli() >= t.ExpiryEpochMillis
}

func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry(),
	}
}

// TokenFromOAuth2 converts a token endpoint response. The scope comes from
// the response when present, otherwise from fallbackScope.
func TokenFromOAuth2(tok *oauth2.Token, fallbackScope string) Token {
	if tok == nil {
		return Token{}
	}

	scope := fallbackScope
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scope = s
	}

	var expiry int64
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.UnixMilli()
	}

	return Token{
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		Scope:             scope,
		TokenType:         tok.Type(),
		ExpiryEpochMillis: expiry,
	}
}
