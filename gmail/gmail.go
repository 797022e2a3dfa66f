package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/tokenclient"
)

var _ gmailer.Transmitter = &Transmitter{}

// Transmitter sends envelopes through the Gmail REST API as the user the
// token belongs to.
type Transmitter struct {
	client  *tokenclient.Client
	service *gmail.Service
	userID  string
}

// NewTransmitter builds the Gmail service on top of client's authorized
// HTTP client. opts are applied after it, e.g. option.WithEndpoint.
func NewTransmitter(ctx context.Context, client *tokenclient.Client, opts ...option.ClientOption) (*Transmitter, error) {
	all := append([]option.ClientOption{option.WithHTTPClient(client.HTTPClient(ctx))}, opts...)

	service, err := gmail.NewService(ctx, all...)
	if err != nil {
		return nil, gmailer.NewConfigurationError("unable to create Gmail client", err)
	}

	return &Transmitter{
		client:  client,
		service: service,
		userID:  "me",
	}, nil
}

// Send makes exactly one users.messages.send call. The token is checked,
// and refreshed if needed, before the request is built.
func (t *Transmitter) Send(ctx context.Context, env gmailer.EncodedEnvelope) (gmailer.SendResult, error) {
	if _, err := t.client.Token(ctx); err != nil {
		return gmailer.SendResult{}, err
	}

	msg, err := t.service.Users.Messages.Send(t.userID, &gmail.Message{Raw: env.String()}).Context(ctx).Do()
	if err != nil {
		return gmailer.SendResult{}, mapGmailError(err)
	}

	return gmailer.SendResult{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		LabelIDs:  msg.LabelIds,
		Transport: "gmail",
	}, nil
}

func mapGmailError(err error) error {
	var own *gmailer.Error
	if errors.As(err, &own) {
		return own
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch apiErr.Code {
		case 400:
			if strings.Contains(msg, "recipient") || strings.Contains(msg, "address") {
				return gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "invalid recipient address", err)
			}
			if strings.Contains(msg, "too large") || strings.Contains(msg, "size") {
				return gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "message too large", err)
			}
			return gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "invalid message format", err)

		case 401:
			return gmailer.NewTransmitError(gmailer.FAULT_AUTH, "access token rejected by Gmail", err)

		case 403:
			// Gmail reports per-user rate limits as 403.
			if strings.Contains(msg, "rate") || strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
				return gmailer.NewTransmitError(gmailer.FAULT_QUOTA, "Gmail sending limit exceeded", err)
			}
			if strings.Contains(msg, "domain") || strings.Contains(msg, "blocked") {
				return gmailer.NewTransmitError(gmailer.FAULT_REJECTED, "sending blocked by policy", err)
			}
			return gmailer.NewTransmitError(gmailer.FAULT_AUTH, "insufficient permissions to send email", err)

		case 429:
			return gmailer.NewTransmitError(gmailer.FAULT_QUOTA, "Gmail API rate limit exceeded", err)

		case 500:
			return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, "internal Gmail server error", err)

		case 503:
			return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, "Gmail service temporarily unavailable", err)

		case 504:
			return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, "Gmail API request timeout", err)

		default:
			if apiErr.Code >= 500 {
				return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, fmt.Sprintf("Gmail API error (HTTP %d)", apiErr.Code), err)
			}
			return gmailer.NewTransmitError(gmailer.FAULT_UNKNOWN, fmt.Sprintf("Gmail API error (HTTP %d)", apiErr.Code), err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gmailer.NewTransmitError(gmailer.FAULT_NETWORK, "request timeout", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return gmailer.NewTransmitError(gmailer.FAULT_NETWORK, "network error", err)
	}

	return gmailer.NewTransmitError(gmailer.FAULT_UNKNOWN, "Gmail API error", err)
}
