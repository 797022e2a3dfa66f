package awsses

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

var _ gmailer.Transmitter = &Transmitter{}

type SESClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transmitter relays composed envelopes through Amazon SES as raw
// messages. SES reads the sender and recipients from the headers.
type Transmitter struct {
	sesClient SESClient
}

func NewTransmitter(client SESClient) *Transmitter {
	return &Transmitter{
		sesClient: client,
	}
}

// NewClient builds an SES v2 client from static credentials.
func NewClient(region, accessKeyID, secretAccessKey string) (*sesv2.Client, error) {
	if region == "" {
		return nil, gmailer.NewConfigurationError("AWS region is required", nil)
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, gmailer.NewConfigurationError("AWS access key id and secret are required", nil)
	}
	return sesv2.New(sesv2.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	}), nil
}

func (t *Transmitter) Send(ctx context.Context, env gmailer.EncodedEnvelope) (gmailer.SendResult, error) {
	raw, err := env.Decode()
	if err != nil {
		return gmailer.SendResult{}, gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "envelope is not valid base64url", err)
	}

	out, err := t.sesClient.SendEmail(ctx, &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	})
	if err != nil {
		return gmailer.SendResult{}, categorizeAWSError(err)
	}

	return gmailer.SendResult{
		ID:        aws.ToString(out.MessageId),
		Transport: "ses",
	}, nil
}

func categorizeAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "SendingPausedException":
			return gmailer.NewTransmitError(gmailer.FAULT_QUOTA, "sending rate limit exceeded", err)
		case "MessageRejected", "AccountSuspendedException":
			return gmailer.NewTransmitError(gmailer.FAULT_REJECTED, "message rejected by SES", err)
		case "MailFromDomainNotVerifiedException", "NotFoundException":
			return gmailer.NewTransmitError(gmailer.FAULT_REJECTED, "sender identity not verified", err)
		case "BadRequestException", "InvalidParameterValueException":
			return gmailer.NewTransmitError(gmailer.FAULT_PAYLOAD, "invalid email parameter", err)
		case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch", "AccessDeniedException":
			return gmailer.NewTransmitError(gmailer.FAULT_AUTH, "AWS credentials rejected", err)
		case "ServiceUnavailableException", "InternalServiceErrorException":
			return gmailer.NewTransmitError(gmailer.FAULT_SERVICE, "AWS SES service error", err)
		}
	}

	return gmailer.NewTransmitError(gmailer.FAULT_UNKNOWN, "failed to send email", err)
}
