// Package gmailsmtp submits envelopes to Gmail over SMTP, authenticating
// with the user's OAuth2 access token.
package gmailsmtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/tokenclient"
)

const (
	gmailSMTPHost    = "smtp.gmail.com"
	gmailSMTPAddress = "smtp.gmail.com:465"
)

var _ gmailer.Transmitter = &Transmitter{}

// DialFunc opens a connection to the submission server.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Transmitter struct {
	client *tokenclient.Client
	addr   string
	dial   DialFunc
}

type Option func(*Transmitter)

// WithAddr overrides the server address, host:port.
func WithAddr(addr string) Option {
	return func(t *Transmitter) {
		if addr != "" {
			t.addr = addr
		}
	}
}

// WithDialer replaces the implicit-TLS dialer.
func WithDialer(dial DialFunc) Option {
	return func(t *Transmitter) {
		if dial != nil {
			t.dial = dial
		}
	}
}

func NewTransmitter(client *tokenclient.Client, opts ...Option) *Transmitter {
	t := &Transmitter{
		client: client,
		addr:   gmailSMTPAddress,
		dial:   dialTLS,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func dialTLS(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = gmailSMTPHost
	}
	d := &tls.Dialer{Config: &tls.Config{ServerName: host}}
	return d.DialContext(ctx, "tcp", addr)
}

// Send submits env in one SMTP transaction. The envelope sender and
// recipient come from the From and To headers.
func (t *Transmitter) Send(ctx context.Context, env gmailer.EncodedEnvelope) (gmailer.SendResult, error) {
	raw, err := env.Decode()
	if err != nil {
		return gmailer.SendResult{}, gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "envelope is not valid base64url", err)
	}
	from, to, err := envelopeAddresses(raw)
	if err != nil {
		return gmailer.SendResult{}, gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "envelope addresses unreadable", err)
	}

	tok, err := t.client.Token(ctx)
	if err != nil {
		return gmailer.SendResult{}, err
	}

	conn, err := t.dial(ctx, t.addr)
	if err != nil {
		return gmailer.SendResult{}, gmailer.NewTransmitError(gmailer.FAULT_NETWORK, "SMTP dial failed", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	host, port := splitAddr(t.addr)
	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: from,
		Token:    tok.AccessToken,
		Host:     host,
		Port:     port,
	})
	if err := c.Auth(auth); err != nil {
		return gmailer.SendResult{}, mapSMTPError("SMTP authentication failed", err)
	}

	if err := c.Mail(from, nil); err != nil {
		return gmailer.SendResult{}, mapSMTPError("sender refused", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return gmailer.SendResult{}, mapSMTPError(fmt.Sprintf("recipient %s refused", to), err)
	}

	w, err := c.Data()
	if err != nil {
		return gmailer.SendResult{}, mapSMTPError("DATA refused", err)
	}
	if _, err := w.Write(raw); err != nil {
		return gmailer.SendResult{}, mapSMTPError("writing message failed", err)
	}
	if err := w.Close(); err != nil {
		return gmailer.SendResult{}, mapSMTPError("message refused", err)
	}

	_ = c.Quit()

	return gmailer.SendResult{Transport: "gmail-smtp"}, nil
}

func envelopeAddresses(raw []byte) (string, string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", "", err
	}
	from, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return "", "", fmt.Errorf("from: %w", err)
	}
	to, err := mail.ParseAddress(msg.Header.Get("To"))
	if err != nil {
		return "", "", fmt.Errorf("to: %w", err)
	}
	return from.Address, to.Address, nil
}

func splitAddr(addr string) (string, int) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func mapSMTPError(message string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		text := strings.ToLower(smtpErr.Message)
		switch {
		case smtpErr.Code == 534 || smtpErr.Code == 535 || smtpErr.Code == 454 || smtpErr.Code == 530:
			return gmailer.NewTransmitError(gmailer.FAULT_AUTH, message, err)
		case smtpErr.EnhancedCode == smtp.EnhancedCode{5, 4, 5} || strings.Contains(text, "limit"):
			return gmailer.NewTransmitError(gmailer.FAULT_QUOTA, message, err)
		case smtpErr.Code == 552:
			return gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, message, err)
		case smtpErr.Code == 421 || smtpErr.Code == 451:
			return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, message, err)
		case smtpErr.Code >= 500:
			return gmailer.NewTransmitError(gmailer.FAULT_REJECTED, message, err)
		case smtpErr.Code >= 400:
			return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, message, err)
		}
		return gmailer.NewTransmitError(gmailer.FAULT_UNKNOWN, message, err)
	}

	var bearerErr *sasl.OAuthBearerError
	if errors.As(err, &bearerErr) {
		return gmailer.NewTransmitError(gmailer.FAULT_AUTH, message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return gmailer.NewTransmitError(gmailer.FAULT_NETWORK, message, err)
	}
	return gmailer.NewTransmitError(gmailer.FAULT_UNKNOWN, message, err)
}
