package gmailer

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Compose builds the plain-text envelope for m and encodes it for the wire.
// Header values are written as given.
func Compose(m OutgoingMessage) EncodedEnvelope {
	lines := []string{
		fmt.Sprintf("From: %s", m.From),
		fmt.Sprintf("To: %s", m.To),
		"Content-Type: text/plain; charset=utf-8",
		"MIME-Version: 1.0",
		fmt.Sprintf("Subject: %s", m.Subject),
		"",
		m.Body,
	}

	raw := strings.TrimSpace(strings.Join(lines, "\r\n"))

	return EncodedEnvelope(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}
