package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

// IdentitySource says where the client identity comes from. Explicit
// values override the ones read from File.
type IdentitySource struct {
	// File is a client secret file as downloaded from the Google Cloud
	// Console, with an "installed" or "web" section.
	File         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type clientSecretFile struct {
	Installed *clientSecret `json:"installed"`
	Web       *clientSecret `json:"web"`
}

type clientSecret struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

// LoadClientIdentity resolves the OAuth2 client identity. It fails with a
// configuration error when the client id or secret cannot be determined.
func LoadClientIdentity(src IdentitySource) (gmailer.ClientIdentity, error) {
	var id gmailer.ClientIdentity

	if src.File != "" {
		b, err := os.ReadFile(src.File)
		if err != nil {
			return gmailer.ClientIdentity{}, gmailer.NewConfigurationError("unable to read client secret file", err)
		}
		fromFile, err := parseClientSecret(b)
		if err != nil {
			return gmailer.ClientIdentity{}, gmailer.NewConfigurationError(fmt.Sprintf("unable to parse client secret file %s", src.File), err)
		}
		id = fromFile
	}

	if v := strings.TrimSpace(src.ClientID); v != "" {
		id.ClientID = v
	}
	if v := strings.TrimSpace(src.ClientSecret); v != "" {
		id.ClientSecret = v
	}
	if v := strings.TrimSpace(src.RedirectURI); v != "" {
		id.RedirectURI = v
	}

	if id.ClientID == "" {
		return gmailer.ClientIdentity{}, gmailer.NewConfigurationError("client id is required", nil)
	}
	if id.ClientSecret == "" {
		return gmailer.ClientIdentity{}, gmailer.NewConfigurationError("client secret is required", nil)
	}
	if strings.ContainsAny(id.ClientID, " \t\r\n") {
		return gmailer.ClientIdentity{}, gmailer.NewConfigurationError("client id is malformed", nil)
	}
	if id.RedirectURI == "" {
		id.RedirectURI = gmailer.DefaultRedirectURI
	}

	return id, nil
}

func parseClientSecret(b []byte) (gmailer.ClientIdentity, error) {
	var f clientSecretFile
	if err := json.Unmarshal(b, &f); err != nil {
		return gmailer.ClientIdentity{}, err
	}

	c := f.Installed
	if c == nil {
		c = f.Web
	}
	if c == nil {
		return gmailer.ClientIdentity{}, errors.New("no installed or web credentials found")
	}

	id := gmailer.ClientIdentity{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}
	if len(c.RedirectURIs) > 0 {
		id.RedirectURI = c.RedirectURIs[0]
	}
	return id, nil
}
