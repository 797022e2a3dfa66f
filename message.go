package gmailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
)

type OutgoingMessage struct {
	From    string
	To      string
	Subject string
	Body    string
}

// EncodedEnvelope is a full RFC-822 message in unpadded base64url form, as
// the Gmail send endpoint expects it in its "raw" field.
type EncodedEnvelope string

func (e EncodedEnvelope) String() string {
	return string(e)
}

// Decode returns the RFC-822 bytes of the envelope.
func (e EncodedEnvelope) Decode() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(string(e))
}

type SendResult struct {
	ID        string
	ThreadID  string
	LabelIDs  []string
	Transport string
}

type Transmitter interface {
	Send(ctx context.Context, env EncodedEnvelope) (SendResult, error)
}

// Validate checks a message that comes from a caller rather than from
// trusted configuration. Compose does not escape header values, so line
// breaks are refused here.
func (m OutgoingMessage) Validate() error {
	if m.From == "" {
		return NewValidationError("from address is required", nil)
	}
	if _, err := mail.ParseAddress(m.From); err != nil {
		return NewValidationError("invalid from address format", err)
	}

	if m.To == "" {
		return NewValidationError("to address is required", nil)
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return NewValidationError(fmt.Sprintf("invalid recipient address format: %s", m.To), err)
	}

	for name, v := range map[string]string{"from": m.From, "to": m.To, "subject": m.Subject} {
		if strings.ContainsAny(v, "\r\n") {
			return NewValidationError(fmt.Sprintf("%s must not contain line breaks", name), nil)
		}
	}

	return nil
}

// WithDefaults fills empty fields of m from def.
func (m OutgoingMessage) WithDefaults(def OutgoingMessage) OutgoingMessage {
	if m.From == "" {
		m.From = def.From
	}
	if m.To == "" {
		m.To = def.To
	}
	if m.Subject == "" {
		m.Subject = def.Subject
	}
	if m.Body == "" {
		m.Body = def.Body
	}
	return m
}
